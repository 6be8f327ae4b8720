package config

import (
  "errors"
  "fmt"
  "os"
  "strings"
  "time"

  "lnaddress-zaps/internal/addresses"

  "github.com/joho/godotenv"
  "github.com/nbd-wtf/go-nostr"
  "gopkg.in/yaml.v3"
)

const (
  StoreMemory   = "memory"
  StorePostgres = "postgres"
  StoreSQLite   = "sqlite"

  WatcherModeLocal = "local"
  WatcherModeHTTP  = "http"
)

type Config struct {
  Server         ServerConfig                 `yaml:"server"`
  API            APIConfig                    `yaml:"api"`
  Store          StoreConfig                  `yaml:"store"`
  Nostr          NostrConfig                  `yaml:"nostr"`
  Invoices       InvoicesConfig               `yaml:"invoices"`
  Sweep          SweepConfig                  `yaml:"sweep"`
  Log            LogConfig                    `yaml:"log"`
  Addresses      []addresses.LightningAddress `yaml:"addresses"`
  AddressesTable bool                         `yaml:"addresses_table"`
}

type ServerConfig struct {
  Host      string  `yaml:"host"`
  Port      int     `yaml:"port"`
  TLSCert   string  `yaml:"tls_cert"`
  TLSKey    string  `yaml:"tls_key"`
  BaseURL   string  `yaml:"base_url"`
  RateRPS   float64 `yaml:"rate_rps"`
  RateBurst int     `yaml:"rate_burst"`
}

type APIConfig struct {
  Key string `yaml:"key"`
}

type StoreConfig struct {
  Driver     string        `yaml:"driver"`
  DSN        string        `yaml:"dsn"`
  SQLitePath string        `yaml:"sqlite_path"`
  PendingTTL time.Duration `yaml:"pending_ttl"`
}

type NostrConfig struct {
  PrivateKey     string        `yaml:"private_key"`
  DefaultRelays  []string      `yaml:"default_relays"`
  MinAcks        int           `yaml:"min_acks"`
  PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type InvoicesConfig struct {
  Expiry          time.Duration `yaml:"expiry"`
  WatcherAttempts int           `yaml:"watcher_attempts"`
  WatcherInterval time.Duration `yaml:"watcher_interval"`
  WatcherMode     string        `yaml:"watcher_mode"`
  NodeTimeout     time.Duration `yaml:"node_timeout"`
}

type SweepConfig struct {
  BatchLimit           int           `yaml:"batch_limit"`
  TimeBudget           time.Duration `yaml:"time_budget"`
  Interval             time.Duration `yaml:"interval"`
  MaxBroadcastAttempts int           `yaml:"max_broadcast_attempts"`
}

type LogConfig struct {
  Level  string `yaml:"level"`
  Pretty bool   `yaml:"pretty"`
  File   string `yaml:"file"`
}

var defaultRelays = []string{
  "wss://relay.damus.io",
  "wss://nos.lol",
  "wss://relay.nostr.band",
}

// Load reads the YAML file at path, then an optional env file, then applies
// environment overrides and defaults. envFile may be empty.
func Load(path string, envFile string) (*Config, error) {
  if envFile != "" {
    if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
      return nil, fmt.Errorf("load env file: %w", err)
    }
  }

  b, err := os.ReadFile(path)
  if err != nil {
    return nil, err
  }
  return Parse(b)
}

func Parse(raw []byte) (*Config, error) {
  var cfg Config
  if err := yaml.Unmarshal(raw, &cfg); err != nil {
    return nil, err
  }

  cfg.applyEnv()
  cfg.applyDefaults()

  if err := cfg.Validate(); err != nil {
    return nil, err
  }
  return &cfg, nil
}

func (c *Config) applyEnv() {
  if v := strings.TrimSpace(os.Getenv("ZAPS_API_KEY")); v != "" {
    c.API.Key = v
  }
  if v := strings.TrimSpace(os.Getenv("ZAPS_DATABASE_DSN")); v != "" {
    c.Store.DSN = v
  }
  if v := strings.TrimSpace(os.Getenv("ZAPS_NOSTR_PRIVKEY")); v != "" {
    c.Nostr.PrivateKey = v
  }
  if v := strings.TrimSpace(os.Getenv("ZAPS_BASE_URL")); v != "" {
    c.Server.BaseURL = v
  }
  if v := strings.TrimSpace(os.Getenv("ZAPS_LOG_LEVEL")); v != "" {
    c.Log.Level = v
  }
}

func (c *Config) applyDefaults() {
  if c.Server.Host == "" {
    c.Server.Host = "127.0.0.1"
  }
  if c.Server.Port == 0 {
    c.Server.Port = 8080
  }
  if c.Server.RateRPS == 0 {
    c.Server.RateRPS = 10
  }
  if c.Server.RateBurst == 0 {
    c.Server.RateBurst = 20
  }
  c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

  c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
  if c.Store.Driver == "" {
    c.Store.Driver = StoreMemory
  }
  if c.Store.SQLitePath == "" {
    c.Store.SQLitePath = "zaps.db"
  }
  if c.Store.PendingTTL == 0 {
    c.Store.PendingTTL = 24 * time.Hour
  }

  if len(c.Nostr.DefaultRelays) == 0 {
    c.Nostr.DefaultRelays = append([]string(nil), defaultRelays...)
  }
  if c.Nostr.MinAcks <= 0 {
    c.Nostr.MinAcks = 1
  }
  if c.Nostr.PublishTimeout == 0 {
    c.Nostr.PublishTimeout = 10 * time.Second
  }

  if c.Invoices.Expiry == 0 {
    c.Invoices.Expiry = time.Hour
  }
  if c.Invoices.WatcherAttempts == 0 {
    c.Invoices.WatcherAttempts = 60
  }
  if c.Invoices.WatcherInterval == 0 {
    c.Invoices.WatcherInterval = 5 * time.Second
  }
  c.Invoices.WatcherMode = strings.ToLower(strings.TrimSpace(c.Invoices.WatcherMode))
  if c.Invoices.WatcherMode == "" {
    c.Invoices.WatcherMode = WatcherModeLocal
  }
  if c.Invoices.NodeTimeout == 0 {
    c.Invoices.NodeTimeout = 10 * time.Second
  }

  if c.Sweep.BatchLimit == 0 {
    c.Sweep.BatchLimit = 500
  }
  if c.Sweep.TimeBudget == 0 {
    c.Sweep.TimeBudget = 50 * time.Second
  }
  if c.Sweep.MaxBroadcastAttempts == 0 {
    c.Sweep.MaxBroadcastAttempts = 10
  }

  if c.Log.Level == "" {
    c.Log.Level = "info"
  }
}

func (c *Config) Validate() error {
  if strings.TrimSpace(c.API.Key) == "" {
    return errors.New("api key required (api.key or ZAPS_API_KEY)")
  }
  if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
    return errors.New("server tls_cert and tls_key must be set together")
  }
  switch c.Store.Driver {
  case StoreMemory, StoreSQLite:
  case StorePostgres:
    if strings.TrimSpace(c.Store.DSN) == "" {
      return errors.New("store.dsn required for postgres driver")
    }
  default:
    return fmt.Errorf("unknown store driver %q", c.Store.Driver)
  }
  if c.AddressesTable && c.Store.Driver != StorePostgres {
    return errors.New("addresses_table requires the postgres store driver")
  }
  switch c.Invoices.WatcherMode {
  case WatcherModeLocal:
  case WatcherModeHTTP:
    if c.Server.BaseURL == "" {
      return errors.New("server.base_url required for http watcher mode")
    }
  default:
    return fmt.Errorf("unknown watcher mode %q", c.Invoices.WatcherMode)
  }
  if c.Nostr.PrivateKey != "" && !nostr.IsValid32ByteHex(c.Nostr.PrivateKey) {
    return errors.New("nostr.private_key must be 32 byte hex")
  }
  if c.Nostr.MinAcks > len(c.Nostr.DefaultRelays) {
    return fmt.Errorf("nostr.min_acks %d exceeds %d default relays", c.Nostr.MinAcks, len(c.Nostr.DefaultRelays))
  }
  if c.Sweep.BatchLimit < 0 || c.Sweep.TimeBudget < 0 {
    return errors.New("sweep limits must be positive")
  }
  return nil
}
