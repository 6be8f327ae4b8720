package settlement

import (
  "context"
  "errors"
  "sync"
  "time"

  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/lndclient"
)

// WatcherGroup owns the settlement watchers of one service. Every watcher
// derives from the group context, so cancelling it stops them all.
type WatcherGroup struct {
  ctx    context.Context
  cancel context.CancelFunc
  wg     sync.WaitGroup
  svc    *Service

  mu     sync.Mutex
  closed bool
}

func NewWatcherGroup(parent context.Context, svc *Service) *WatcherGroup {
  ctx, cancel := context.WithCancel(parent)
  return &WatcherGroup{ctx: ctx, cancel: cancel, svc: svc}
}

// Watch starts polling paymentHash in the background. It is a no-op after
// Shutdown; the sweep picks those invoices up.
func (g *WatcherGroup) Watch(name, paymentHash string) {
  g.mu.Lock()
  defer g.mu.Unlock()
  if g.closed || g.ctx.Err() != nil {
    return
  }

  w := &Watcher{
    svc:         g.svc,
    name:        name,
    paymentHash: paymentHash,
    attempts:    g.svc.opts.WatcherAttempts,
    interval:    g.svc.opts.WatcherInterval,
  }
  g.wg.Add(1)
  g.svc.metrics.watcherStarted()
  go func() {
    defer g.wg.Done()
    defer g.svc.metrics.watcherDone()
    w.Run(g.ctx)
  }()
}

// Wait blocks until every watcher has returned.
func (g *WatcherGroup) Wait() {
  g.wg.Wait()
}

// Shutdown cancels all watchers and waits for them, or for ctx.
func (g *WatcherGroup) Shutdown(ctx context.Context) error {
  g.mu.Lock()
  g.closed = true
  g.mu.Unlock()
  g.cancel()

  done := make(chan struct{})
  go func() {
    g.wg.Wait()
    close(done)
  }()
  select {
  case <-done:
    return nil
  case <-ctx.Done():
    return ctx.Err()
  }
}

// Watcher polls one invoice at a fixed interval until it settles, turns
// terminal, disappears, or the attempt budget is spent. Whatever it leaves
// behind is the sweep's job.
type Watcher struct {
  svc         *Service
  name        string
  paymentHash string
  attempts    int
  interval    time.Duration
}

// Run polls on a fixed schedule, so attempt n happens at n*interval however
// long earlier lookups took. The deadline leaves one node timeout after the
// last tick for that lookup to finish.
func (w *Watcher) Run(parent context.Context) {
  budget := time.Duration(w.attempts)*w.interval + w.svc.opts.NodeTimeout
  ctx, cancel := context.WithTimeout(parent, budget)
  defer cancel()

  log := w.svc.logger.With().Str("payment_hash", w.paymentHash).Str("name", w.name).Logger()
  ticker := time.NewTicker(w.interval)
  defer ticker.Stop()

  for attempt := 1; attempt <= w.attempts; attempt++ {
    select {
    case <-ctx.Done():
      log.Debug().Err(ctx.Err()).Int("attempt", attempt).Msg("watcher stopped")
      return
    case <-ticker.C:
    }

    inv, err := w.svc.store.Get(ctx, w.paymentHash)
    if errors.Is(err, invoices.ErrNotFound) {
      return
    }
    if err != nil {
      log.Warn().Err(err).Msg("watcher store read failed")
      continue
    }
    if inv.Settled {
      // a broadcast already failed once; retries belong to the sweep
      return
    }

    status, err := w.svc.verifier.Verify(ctx, inv)
    switch {
    case err != nil:
      log.Debug().Err(err).Int("attempt", attempt).Msg("watcher lookup failed")
    case status.State == lndclient.StateSettled:
      result, err := w.svc.finalize(ctx, w.paymentHash, status.Preimage)
      if err != nil {
        log.Warn().Err(err).Msg("watcher finalize failed")
      } else if result == outcomeSettled {
        log.Info().Msg("zap settled by watcher")
      }
      return
    case status.Terminal():
      return
    }
  }
  log.Debug().Msg("watcher budget exhausted")
}
