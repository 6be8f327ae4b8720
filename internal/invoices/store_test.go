package invoices

import (
  "context"
  "fmt"
  "os"
  "strings"
  "sync"
  "testing"
  "time"

  "lnaddress-zaps/internal/addresses"

  "github.com/jackc/pgx/v5/pgxpool"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

type clock struct {
  mu sync.Mutex
  t  time.Time
}

func (c *clock) Now() time.Time {
  c.mu.Lock()
  defer c.mu.Unlock()
  return c.t
}

func (c *clock) Advance(d time.Duration) {
  c.mu.Lock()
  c.t = c.t.Add(d)
  c.mu.Unlock()
}

type storeFactory func(t *testing.T) (Store, *clock)

func hashN(n int) string {
  return fmt.Sprintf("%064x", n)
}

func sampleInvoice(n int) PendingInvoice {
  return PendingInvoice{
    PaymentHash:  hashN(n),
    Name:         "alice",
    Bolt11:       "lnbc10u1ptest",
    AmountMsat:   1_000_000,
    FoundAddress: addresses.LightningAddress{Name: "alice", LNDHost: "node", LNDPort: 8080},
    ZapRequest:   `{"kind":9734}`,
  }
}

func memoryFactory(t *testing.T) (Store, *clock) {
  c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
  s := NewMemoryStore()
  s.SetClock(c.Now)
  return s, c
}

func sqliteFactory(t *testing.T) (Store, *clock) {
  c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
  name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
  db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
  require.NoError(t, err)
  s, err := NewSQLiteStore(db)
  require.NoError(t, err)
  s.SetClock(c.Now)
  return s, c
}

func runStoreContract(t *testing.T, factory storeFactory, withClock bool) {
  ctx := context.Background()

  t.Run("get set delete", func(t *testing.T) {
    s, _ := factory(t)
    _, err := s.Get(ctx, hashN(1))
    assert.ErrorIs(t, err, ErrNotFound)

    inv := sampleInvoice(1)
    inv.PaymentHash = strings.ToUpper(inv.PaymentHash)
    require.NoError(t, s.Set(ctx, inv, time.Hour))

    got, err := s.Get(ctx, hashN(1))
    require.NoError(t, err)
    assert.Equal(t, hashN(1), got.PaymentHash)
    assert.Equal(t, "alice", got.FoundAddress.Name)
    assert.False(t, got.Settled)

    got.Settled = true
    got.Preimage = strings.Repeat("ab", 32)
    require.NoError(t, s.Set(ctx, got, time.Hour))
    again, err := s.Get(ctx, hashN(1))
    require.NoError(t, err)
    assert.True(t, again.Settled)
    assert.Equal(t, got.Preimage, again.Preimage)

    require.NoError(t, s.Delete(ctx, hashN(1)))
    _, err = s.Get(ctx, hashN(1))
    assert.ErrorIs(t, err, ErrNotFound)
  })

  t.Run("list honours limit", func(t *testing.T) {
    s, c := factory(t)
    for i := 0; i < 5; i++ {
      require.NoError(t, s.Set(ctx, sampleInvoice(i), time.Hour))
      if c != nil {
        c.Advance(time.Second)
      }
    }
    keys, err := s.List(ctx, 3)
    require.NoError(t, err)
    assert.Len(t, keys, 3)

    all, err := s.List(ctx, 0)
    require.NoError(t, err)
    assert.Len(t, all, 5)
  })

  t.Run("claim is exclusive", func(t *testing.T) {
    s, _ := factory(t)
    require.NoError(t, s.Set(ctx, sampleInvoice(7), time.Hour))

    inv, err := s.Claim(ctx, hashN(7), time.Minute)
    require.NoError(t, err)
    assert.Equal(t, hashN(7), inv.PaymentHash)

    _, err = s.Claim(ctx, hashN(7), time.Minute)
    assert.ErrorIs(t, err, ErrClaimed)

    require.NoError(t, s.Set(ctx, inv, time.Hour))
    _, err = s.Claim(ctx, hashN(7), time.Minute)
    assert.NoError(t, err)

    require.NoError(t, s.Delete(ctx, hashN(7)))
    _, err = s.Claim(ctx, hashN(7), time.Minute)
    assert.ErrorIs(t, err, ErrNotFound)
  })

  t.Run("complete keeps settlement", func(t *testing.T) {
    s, _ := factory(t)
    inv := sampleInvoice(5)
    require.NoError(t, s.Set(ctx, inv, time.Hour))

    _, err := s.Settled(ctx, hashN(5))
    assert.ErrorIs(t, err, ErrNotFound)

    preimage := strings.Repeat("cd", 32)
    require.NoError(t, s.Complete(ctx, inv.Settlement(preimage), time.Hour))

    _, err = s.Get(ctx, hashN(5))
    assert.ErrorIs(t, err, ErrNotFound)
    keys, err := s.List(ctx, 0)
    require.NoError(t, err)
    assert.Empty(t, keys)

    got, err := s.Settled(ctx, strings.ToUpper(hashN(5)))
    require.NoError(t, err)
    assert.Equal(t, SettledInvoice{PaymentHash: hashN(5), Name: "alice", Bolt11: inv.Bolt11, Preimage: preimage}, got)

    require.NoError(t, s.Complete(ctx, inv.Settlement(preimage), time.Hour), "completing twice is harmless")
  })

  if !withClock {
    return
  }

  t.Run("settled expiry", func(t *testing.T) {
    s, c := factory(t)
    require.NoError(t, s.Complete(ctx, sampleInvoice(6).Settlement(strings.Repeat("ef", 32)), time.Minute))
    c.Advance(2 * time.Minute)

    _, err := s.Settled(ctx, hashN(6))
    assert.ErrorIs(t, err, ErrNotFound)
    _, err = s.Purge(ctx)
    require.NoError(t, err)
  })

  t.Run("ttl and lease expiry", func(t *testing.T) {
    s, c := factory(t)
    require.NoError(t, s.Set(ctx, sampleInvoice(3), time.Minute))
    require.NoError(t, s.Set(ctx, sampleInvoice(4), time.Hour))

    _, err := s.Claim(ctx, hashN(4), 30*time.Second)
    require.NoError(t, err)

    c.Advance(2 * time.Minute)

    _, err = s.Get(ctx, hashN(3))
    assert.ErrorIs(t, err, ErrNotFound)
    keys, err := s.List(ctx, 0)
    require.NoError(t, err)
    assert.Equal(t, []string{hashN(4)}, keys)

    _, err = s.Claim(ctx, hashN(4), 30*time.Second)
    assert.NoError(t, err, "lease should have lapsed")

    removed, err := s.Purge(ctx)
    require.NoError(t, err)
    assert.Equal(t, int64(1), removed)
  })
}

func TestMemoryStore(t *testing.T) {
  runStoreContract(t, memoryFactory, true)
}

func TestSQLiteStore(t *testing.T) {
  runStoreContract(t, sqliteFactory, true)
}

func TestMemoryStoreConcurrentClaim(t *testing.T) {
  s := NewMemoryStore()
  ctx := context.Background()
  require.NoError(t, s.Set(ctx, sampleInvoice(9), time.Hour))

  var wg sync.WaitGroup
  var mu sync.Mutex
  wins := 0
  for i := 0; i < 16; i++ {
    wg.Add(1)
    go func() {
      defer wg.Done()
      if _, err := s.Claim(ctx, hashN(9), time.Minute); err == nil {
        mu.Lock()
        wins++
        mu.Unlock()
      }
    }()
  }
  wg.Wait()
  assert.Equal(t, 1, wins)
}

func TestPostgresStore(t *testing.T) {
  dsn := os.Getenv("ZAPS_TEST_PG_DSN")
  if dsn == "" {
    t.Skip("ZAPS_TEST_PG_DSN not set")
  }
  ctx := context.Background()
  pool, err := pgxpool.New(ctx, dsn)
  require.NoError(t, err)
  t.Cleanup(pool.Close)

  store := NewPostgresStore(pool)
  require.NoError(t, store.EnsureSchema(ctx))

  runStoreContract(t, func(t *testing.T) (Store, *clock) {
    _, err := pool.Exec(ctx, "truncate pending_invoices, settled_invoices")
    require.NoError(t, err)
    return store, nil
  }, false)
}

func TestValidHash(t *testing.T) {
  assert.True(t, ValidHash(hashN(1)))
  assert.False(t, ValidHash("abc"))
  assert.False(t, ValidHash(strings.Repeat("zz", 32)))
}
