package settlement

import (
  "context"
  "errors"
  "fmt"

  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/lndclient"

  "github.com/google/uuid"
  "github.com/rs/zerolog"
)

type SweepResult struct {
  Processed int `json:"processed"`
  Settled   int `json:"settled"`
  Expired   int `json:"expired"`
  Errors    int `json:"errors"`
  Pending   int `json:"pending"`
}

// Sweep reconciles pending invoices against their nodes. A failure on one
// record is counted and never stops the run; only a failure to list the
// records is returned.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
  started := s.now()
  log := s.logger.With().Str("sweep_id", uuid.NewString()).Logger()
  var res SweepResult

  if purged, err := s.store.Purge(ctx); err != nil {
    log.Warn().Err(err).Msg("purge expired invoices failed")
  } else if purged > 0 {
    log.Info().Int64("purged", purged).Msg("expired invoice records purged")
  }

  keys, err := s.store.List(ctx, s.opts.BatchLimit+1)
  if err != nil {
    return res, fmt.Errorf("list pending invoices: %w", err)
  }
  if len(keys) > s.opts.BatchLimit {
    log.Warn().Int("batch_limit", s.opts.BatchLimit).Msg("more pending invoices than batch limit, remainder deferred to next sweep")
    keys = keys[:s.opts.BatchLimit]
  }

  for _, key := range keys {
    if ctx.Err() != nil {
      log.Warn().Err(ctx.Err()).Int("processed", res.Processed).Msg("sweep cancelled")
      break
    }
    if elapsed := s.now().Sub(started); elapsed > s.opts.TimeBudget {
      log.Warn().Dur("elapsed", elapsed).Int("processed", res.Processed).Int("remaining", len(keys)-res.Processed).Msg("sweep time budget exceeded, stopping early")
      break
    }
    res.Processed++
    s.sweepOne(ctx, log, key, &res)
  }

  s.metrics.sweep(res, s.now().Sub(started).Seconds())
  log.Info().
    Int("processed", res.Processed).
    Int("settled", res.Settled).
    Int("expired", res.Expired).
    Int("errors", res.Errors).
    Int("pending", res.Pending).
    Msg("sweep finished")
  return res, nil
}

func (s *Service) sweepOne(ctx context.Context, log zerolog.Logger, key string, res *SweepResult) {
  log = log.With().Str("payment_hash", key).Logger()

  inv, err := s.store.Get(ctx, key)
  if errors.Is(err, invoices.ErrNotFound) {
    return
  }
  if err != nil {
    log.Warn().Err(err).Msg("read pending invoice failed")
    res.Errors++
    return
  }

  if inv.Settled {
    out, err := s.finalize(ctx, key, inv.Preimage)
    s.tally(log, res, out, err)
    return
  }

  node, err := s.nodes(inv.FoundAddress)
  if err != nil {
    log.Warn().Err(err).Msg("node client unavailable")
    res.Errors++
    return
  }
  lookupCtx, cancel := context.WithTimeout(ctx, s.opts.NodeTimeout)
  status, err := node.LookupInvoice(lookupCtx, key)
  cancel()
  if err != nil {
    log.Warn().Err(err).Msg("invoice lookup failed")
    res.Errors++
    return
  }

  switch {
  case status.Terminal():
    if err := s.store.Delete(ctx, key); err != nil {
      log.Warn().Err(err).Msg("delete expired invoice failed")
      res.Errors++
      return
    }
    res.Expired++
  case status.State == lndclient.StateSettled:
    out, err := s.finalize(ctx, key, status.Preimage)
    s.tally(log, res, out, err)
  default:
    res.Pending++
  }
}

func (s *Service) tally(log zerolog.Logger, res *SweepResult, out outcome, err error) {
  switch out {
  case outcomeSettled:
    res.Settled++
  case outcomeBusy:
    res.Pending++
  case outcomeGone:
  default:
    res.Errors++
  }
  if err != nil && out != outcomeDropped {
    log.Warn().Err(err).Msg("finalize failed")
  }
}
