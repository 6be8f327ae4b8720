package invoices

import (
  "context"
  "encoding/json"
  "sort"
  "sync"
  "time"
)

type memoryEntry struct {
  value        []byte
  createdAt    time.Time
  expiresAt    time.Time
  claimedUntil time.Time
}

type settledEntry struct {
  inv       SettledInvoice
  expiresAt time.Time
}

// MemoryStore keeps records in process. Values are stored encoded so callers
// never share state with the store.
type MemoryStore struct {
  mu      sync.Mutex
  entries map[string]memoryEntry
  settled map[string]settledEntry
  now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
  return &MemoryStore{
    entries: map[string]memoryEntry{},
    settled: map[string]settledEntry{},
    now:     time.Now,
  }
}

func (s *MemoryStore) SetClock(now func() time.Time) {
  s.mu.Lock()
  s.now = now
  s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, paymentHash string) (PendingInvoice, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  entry, ok := s.live(NormalizeHash(paymentHash))
  if !ok {
    return PendingInvoice{}, ErrNotFound
  }
  return decodeInvoice(entry.value)
}

func (s *MemoryStore) Set(ctx context.Context, inv PendingInvoice, ttl time.Duration) error {
  key := NormalizeHash(inv.PaymentHash)
  inv.PaymentHash = key
  raw, err := json.Marshal(inv)
  if err != nil {
    return err
  }

  s.mu.Lock()
  defer s.mu.Unlock()
  now := s.now()
  createdAt := now
  if prev, ok := s.entries[key]; ok {
    createdAt = prev.createdAt
  }
  s.entries[key] = memoryEntry{value: raw, createdAt: createdAt, expiresAt: now.Add(ttl)}
  return nil
}

func (s *MemoryStore) Delete(ctx context.Context, paymentHash string) error {
  s.mu.Lock()
  delete(s.entries, NormalizeHash(paymentHash))
  s.mu.Unlock()
  return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]string, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  now := s.now()
  type keyed struct {
    key       string
    createdAt time.Time
  }
  items := make([]keyed, 0, len(s.entries))
  for key, entry := range s.entries {
    if !entry.expiresAt.After(now) {
      continue
    }
    items = append(items, keyed{key: key, createdAt: entry.createdAt})
  }
  sort.Slice(items, func(i, j int) bool {
    if items[i].createdAt.Equal(items[j].createdAt) {
      return items[i].key < items[j].key
    }
    return items[i].createdAt.Before(items[j].createdAt)
  })
  if limit > 0 && len(items) > limit {
    items = items[:limit]
  }
  keys := make([]string, 0, len(items))
  for _, item := range items {
    keys = append(keys, item.key)
  }
  return keys, nil
}

func (s *MemoryStore) Claim(ctx context.Context, paymentHash string, lease time.Duration) (PendingInvoice, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  key := NormalizeHash(paymentHash)
  entry, ok := s.live(key)
  if !ok {
    return PendingInvoice{}, ErrNotFound
  }
  now := s.now()
  if entry.claimedUntil.After(now) {
    return PendingInvoice{}, ErrClaimed
  }
  entry.claimedUntil = now.Add(lease)
  s.entries[key] = entry
  return decodeInvoice(entry.value)
}

func (s *MemoryStore) Complete(ctx context.Context, settled SettledInvoice, ttl time.Duration) error {
  key := NormalizeHash(settled.PaymentHash)
  settled.PaymentHash = key

  s.mu.Lock()
  defer s.mu.Unlock()
  delete(s.entries, key)
  s.settled[key] = settledEntry{inv: settled, expiresAt: s.now().Add(ttl)}
  return nil
}

func (s *MemoryStore) Settled(ctx context.Context, paymentHash string) (SettledInvoice, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  entry, ok := s.settled[NormalizeHash(paymentHash)]
  if !ok || !entry.expiresAt.After(s.now()) {
    return SettledInvoice{}, ErrNotFound
  }
  return entry.inv, nil
}

func (s *MemoryStore) Purge(ctx context.Context) (int64, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  now := s.now()
  var removed int64
  for key, entry := range s.entries {
    if !entry.expiresAt.After(now) {
      delete(s.entries, key)
      removed++
    }
  }
  for key, entry := range s.settled {
    if !entry.expiresAt.After(now) {
      delete(s.settled, key)
    }
  }
  return removed, nil
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
  entry, ok := s.entries[key]
  if !ok || !entry.expiresAt.After(s.now()) {
    return memoryEntry{}, false
  }
  return entry, true
}

func decodeInvoice(raw []byte) (PendingInvoice, error) {
  var inv PendingInvoice
  if err := json.Unmarshal(raw, &inv); err != nil {
    return PendingInvoice{}, err
  }
  return inv, nil
}
