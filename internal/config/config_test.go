package config

import (
  "os"
  "path/filepath"
  "testing"
  "time"

  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
  cfg, err := Parse([]byte("api:\n  key: k\n"))
  require.NoError(t, err)

  assert.Equal(t, 8080, cfg.Server.Port)
  assert.Equal(t, StoreMemory, cfg.Store.Driver)
  assert.Equal(t, 24*time.Hour, cfg.Store.PendingTTL)
  assert.Equal(t, 1, cfg.Nostr.MinAcks)
  assert.Len(t, cfg.Nostr.DefaultRelays, 3)
  assert.Equal(t, 60, cfg.Invoices.WatcherAttempts)
  assert.Equal(t, 5*time.Second, cfg.Invoices.WatcherInterval)
  assert.Equal(t, WatcherModeLocal, cfg.Invoices.WatcherMode)
  assert.Equal(t, 500, cfg.Sweep.BatchLimit)
  assert.Equal(t, 50*time.Second, cfg.Sweep.TimeBudget)
  assert.Equal(t, 10, cfg.Sweep.MaxBroadcastAttempts)
  assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseFull(t *testing.T) {
  raw := `
server:
  port: 9000
  base_url: https://pay.example.com/
api:
  key: k
store:
  driver: SQLite
  sqlite_path: /tmp/zaps.db
nostr:
  default_relays: [wss://a.example, wss://b.example]
  min_acks: 2
invoices:
  watcher_mode: http
  watcher_interval: 2s
sweep:
  batch_limit: 50
  interval: 1m
addresses:
  - name: alice
    lnd_host: lnd.internal
    lnd_port: 8080
    invoice_macaroon: "0201"
    min_sendable: 1000
    max_sendable: 1000000
    allows_nostr: true
`
  cfg, err := Parse([]byte(raw))
  require.NoError(t, err)
  assert.Equal(t, "https://pay.example.com", cfg.Server.BaseURL)
  assert.Equal(t, StoreSQLite, cfg.Store.Driver)
  assert.Equal(t, 2, cfg.Nostr.MinAcks)
  assert.Equal(t, WatcherModeHTTP, cfg.Invoices.WatcherMode)
  assert.Equal(t, 2*time.Second, cfg.Invoices.WatcherInterval)
  assert.Equal(t, time.Minute, cfg.Sweep.Interval)
  require.Len(t, cfg.Addresses, 1)
  assert.True(t, cfg.Addresses[0].AllowsNostr)
}

func TestValidate(t *testing.T) {
  cases := map[string]string{
    "missing key":               "server:\n  port: 1\n",
    "postgres without dsn":      "api:\n  key: k\nstore:\n  driver: postgres\n",
    "unknown driver":            "api:\n  key: k\nstore:\n  driver: redis\n",
    "table without postgres":    "api:\n  key: k\naddresses_table: true\n",
    "http watcher without base": "api:\n  key: k\ninvoices:\n  watcher_mode: http\n",
    "tls half set":              "api:\n  key: k\nserver:\n  tls_cert: c.pem\n",
    "too many acks":             "api:\n  key: k\nnostr:\n  default_relays: [wss://a]\n  min_acks: 2\n",
    "bad privkey":               "api:\n  key: k\nnostr:\n  private_key: nothex\n",
  }
  for name, raw := range cases {
    t.Run(name, func(t *testing.T) {
      _, err := Parse([]byte(raw))
      assert.Error(t, err)
    })
  }
}

func TestLoadEnvOverrides(t *testing.T) {
  dir := t.TempDir()
  cfgPath := filepath.Join(dir, "config.yaml")
  envPath := filepath.Join(dir, "secrets.env")
  require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  driver: postgres\n"), 0o600))
  require.NoError(t, os.WriteFile(envPath, []byte("ZAPS_API_KEY=from-env-file\n"), 0o600))

  t.Setenv("ZAPS_API_KEY", "")
  t.Setenv("ZAPS_DATABASE_DSN", "postgres://zaps@localhost/zaps")
  os.Unsetenv("ZAPS_API_KEY")

  cfg, err := Load(cfgPath, envPath)
  require.NoError(t, err)
  assert.Equal(t, "from-env-file", cfg.API.Key)
  assert.Equal(t, "postgres://zaps@localhost/zaps", cfg.Store.DSN)

  _, err = Load(filepath.Join(dir, "missing.yaml"), "")
  assert.Error(t, err)

  cfg, err = Load(cfgPath, filepath.Join(dir, "missing.env"))
  require.NoError(t, err)
  assert.Equal(t, "from-env-file", cfg.API.Key)
}
