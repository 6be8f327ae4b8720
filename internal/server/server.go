package server

import (
  "context"
  "crypto/tls"
  "errors"
  "net"
  "net/http"
  "strconv"
  "time"

  "lnaddress-zaps/internal/addresses"
  "lnaddress-zaps/internal/config"
  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/settlement"

  "github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

type Server struct {
  cfg      *config.Config
  logger   zerolog.Logger
  svc      *settlement.Service
  resolver addresses.Resolver
  store    invoices.Store
  metrics  *settlement.Metrics
  limiter  *rateLimiter
}

type Options struct {
  Config   *config.Config
  Service  *settlement.Service
  Resolver addresses.Resolver
  Store    invoices.Store
  Metrics  *settlement.Metrics
  Logger   zerolog.Logger
}

func New(opts Options) *Server {
  return &Server{
    cfg:      opts.Config,
    logger:   opts.Logger,
    svc:      opts.Service,
    resolver: opts.Resolver,
    store:    opts.Store,
    metrics:  opts.Metrics,
    limiter:  newRateLimiter(opts.Config.Server.RateRPS, opts.Config.Server.RateBurst),
  }
}

func (s *Server) Handler() http.Handler {
  return s.routes()
}

// Run serves until ctx is cancelled, then drains requests and watchers.
func (s *Server) Run(ctx context.Context) error {
  addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
  useTLS := s.cfg.Server.TLSCert != ""

  httpServer := &http.Server{
    Addr:              addr,
    Handler:           s.routes(),
    ReadHeaderTimeout: 10 * time.Second,
  }
  if useTLS {
    httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
  }

  if s.cfg.Sweep.Interval > 0 {
    go s.sweepLoop(ctx, s.cfg.Sweep.Interval)
  }

  errCh := make(chan error, 1)
  go func() {
    if useTLS {
      s.logger.Info().Str("addr", addr).Msg("listening on https")
      errCh <- httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
      return
    }
    s.logger.Info().Str("addr", addr).Msg("listening on http")
    errCh <- httpServer.ListenAndServe()
  }()

  select {
  case err := <-errCh:
    if errors.Is(err, http.ErrServerClosed) {
      return nil
    }
    return err
  case <-ctx.Done():
  }

  s.logger.Info().Msg("shutting down")
  shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
  defer cancel()
  httpErr := httpServer.Shutdown(shutdownCtx)
  watchErr := s.svc.Shutdown(shutdownCtx)
  return errors.Join(httpErr, watchErr)
}

func (s *Server) sweepLoop(ctx context.Context, interval time.Duration) {
  ticker := time.NewTicker(interval)
  defer ticker.Stop()
  for {
    select {
    case <-ctx.Done():
      return
    case <-ticker.C:
      if _, err := s.svc.Sweep(ctx); err != nil {
        s.logger.Error().Err(err).Msg("scheduled sweep failed")
      }
    }
  }
}
