package main

import (
  "context"
  "encoding/json"
  "flag"
  "fmt"
  "os"
  "os/signal"
  "syscall"
  "time"

  "lnaddress-zaps/internal/addresses"
  "lnaddress-zaps/internal/config"
  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/logger"
  "lnaddress-zaps/internal/server"
  "lnaddress-zaps/internal/settlement"
  "lnaddress-zaps/internal/zaps"

  "github.com/jackc/pgx/v5/pgxpool"
  "github.com/nbd-wtf/go-nostr"
  "github.com/rs/zerolog"
)

const (
  defaultConfigPath = "/etc/lnaddress-zaps/config.yaml"
  defaultEnvFile    = "/etc/lnaddress-zaps/secrets.env"
)

func main() {
  if len(os.Args) > 1 {
    switch os.Args[1] {
    case "serve":
      runServer(os.Args[2:])
      return
    case "sweep":
      runSweep(os.Args[2:])
      return
    case "addresses-import":
      runAddressesImport(os.Args[2:])
      return
    }
  }

  runServer(os.Args[1:])
}

type flags struct {
  configPath string
  envFile    string
}

func parseFlags(name string, args []string) flags {
  fs := flag.NewFlagSet(name, flag.ExitOnError)
  configPath := fs.String("config", defaultConfigPath, "Path to config.yaml")
  envFile := fs.String("env-file", defaultEnvFile, "Optional .env file with secrets")
  _ = fs.Parse(args)
  return flags{configPath: *configPath, envFile: *envFile}
}

func loadConfig(f flags) (*config.Config, zerolog.Logger) {
  cfg, err := config.Load(f.configPath, f.envFile)
  if err != nil {
    fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
    os.Exit(1)
  }
  return cfg, logger.New(logger.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, File: cfg.Log.File})
}

func runServer(args []string) {
  cfg, log := loadConfig(parseFlags("serve", args))

  ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  defer stop()

  app, err := build(ctx, cfg, log)
  if err != nil {
    log.Fatal().Err(err).Msg("startup failed")
  }
  defer app.close()

  srv := server.New(server.Options{
    Config:   cfg,
    Service:  app.svc,
    Resolver: app.resolver,
    Store:    app.store,
    Metrics:  app.metrics,
    Logger:   log.With().Str("component", "http").Logger(),
  })
  if err := srv.Run(ctx); err != nil {
    log.Fatal().Err(err).Msg("server exited")
  }
}

// runSweep runs one reconciliation pass, for cron-driven deployments.
func runSweep(args []string) {
  cfg, log := loadConfig(parseFlags("sweep", args))

  ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  defer stop()
  ctx, cancel := context.WithTimeout(ctx, cfg.Sweep.TimeBudget+time.Minute)
  defer cancel()

  app, err := build(ctx, cfg, log)
  if err != nil {
    log.Fatal().Err(err).Msg("sweep failed")
  }
  defer app.close()

  res, err := app.svc.Sweep(ctx)
  if err != nil {
    log.Fatal().Err(err).Msg("sweep failed")
  }
  _ = json.NewEncoder(os.Stdout).Encode(res)
}

// runAddressesImport copies the addresses from the config file into the
// lightning_addresses table.
func runAddressesImport(args []string) {
  cfg, log := loadConfig(parseFlags("addresses-import", args))
  if cfg.Store.Driver != config.StorePostgres {
    log.Fatal().Msg("addresses-import requires the postgres store driver")
  }

  ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
  defer cancel()

  pool, err := pgxpool.New(ctx, cfg.Store.DSN)
  if err != nil {
    log.Fatal().Err(err).Msg("addresses-import failed")
  }
  defer pool.Close()

  repo := addresses.NewPostgresResolver(pool)
  if err := repo.EnsureSchema(ctx); err != nil {
    log.Fatal().Err(err).Msg("addresses-import failed")
  }
  for _, addr := range cfg.Addresses {
    if err := addresses.Validate(addr); err != nil {
      log.Fatal().Err(err).Msg("addresses-import failed")
    }
    if err := repo.Upsert(ctx, addr); err != nil {
      log.Fatal().Err(err).Str("name", addr.Name).Msg("addresses-import failed")
    }
    log.Info().Str("name", addresses.NormalizeName(addr.Name)).Msg("address imported")
  }
}

type application struct {
  store    invoices.Store
  resolver addresses.Resolver
  svc      *settlement.Service
  metrics  *settlement.Metrics
  closers  []func()
}

func (a *application) close() {
  for i := len(a.closers) - 1; i >= 0; i-- {
    a.closers[i]()
  }
}

func build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*application, error) {
  app := &application{metrics: settlement.NewMetrics()}

  var pgPool *pgxpool.Pool
  switch cfg.Store.Driver {
  case config.StorePostgres:
    pool, err := pgxpool.New(ctx, cfg.Store.DSN)
    if err != nil {
      return nil, fmt.Errorf("connect postgres: %w", err)
    }
    app.closers = append(app.closers, pool.Close)
    pgPool = pool

    store := invoices.NewPostgresStore(pool)
    if err := store.EnsureSchema(ctx); err != nil {
      app.close()
      return nil, err
    }
    app.store = store
  case config.StoreSQLite:
    db, err := invoices.OpenSQLite(cfg.Store.SQLitePath)
    if err != nil {
      return nil, err
    }
    if sqlDB, err := db.DB(); err == nil {
      app.closers = append(app.closers, func() { _ = sqlDB.Close() })
    }
    store, err := invoices.NewSQLiteStore(db)
    if err != nil {
      app.close()
      return nil, err
    }
    app.store = store
  default:
    log.Warn().Msg("using in-memory invoice store; pending invoices are lost on restart")
    app.store = invoices.NewMemoryStore()
  }

  static, err := addresses.NewStaticResolver(cfg.Addresses)
  if err != nil {
    app.close()
    return nil, fmt.Errorf("addresses: %w", err)
  }
  chain := addresses.Chain{static}
  if cfg.AddressesTable {
    table := addresses.NewPostgresResolver(pgPool)
    if err := table.EnsureSchema(ctx); err != nil {
      app.close()
      return nil, err
    }
    chain = append(chain, table)
  }
  if cfg.Nostr.PrivateKey == "" {
    log.Warn().Msg("nostr.private_key not set; only addresses with relay_privkey can sign zap receipts")
  }
  app.resolver = addresses.NewDirectory(chain, cfg.Nostr.PrivateKey)

  publisher := zaps.NewPublisher(
    nostr.NewSimplePool(ctx),
    cfg.Nostr.MinAcks,
    cfg.Nostr.PublishTimeout,
    log.With().Str("component", "zaps").Logger(),
  )

  var verifier settlement.Verifier
  if cfg.Invoices.WatcherMode == config.WatcherModeHTTP {
    verifier = settlement.NewHTTPVerifier(cfg.Server.BaseURL, cfg.Invoices.NodeTimeout)
  }

  app.svc = settlement.New(ctx, settlement.Deps{
    Resolver:  app.resolver,
    Store:     app.store,
    Publisher: publisher,
    Verifier:  verifier,
    Metrics:   app.metrics,
    Logger:    log.With().Str("component", "settlement").Logger(),
  }, settlement.Options{
    PendingTTL:           cfg.Store.PendingTTL,
    InvoiceExpiry:        cfg.Invoices.Expiry,
    NodeTimeout:          cfg.Invoices.NodeTimeout,
    WatcherAttempts:      cfg.Invoices.WatcherAttempts,
    WatcherInterval:      cfg.Invoices.WatcherInterval,
    ClaimLease:           2*cfg.Nostr.PublishTimeout + cfg.Invoices.NodeTimeout,
    BatchLimit:           cfg.Sweep.BatchLimit,
    TimeBudget:           cfg.Sweep.TimeBudget,
    MaxBroadcastAttempts: cfg.Sweep.MaxBroadcastAttempts,
    DefaultRelays:        cfg.Nostr.DefaultRelays,
  })
  return app, nil
}
