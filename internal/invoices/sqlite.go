package invoices

import (
  "context"
  "database/sql"
  "encoding/json"
  "fmt"
  "os"
  "path/filepath"
  "time"

  gormsqlite "gorm.io/driver/sqlite"
  "gorm.io/gorm"
  "gorm.io/gorm/clause"
  "gorm.io/gorm/logger"
  _ "modernc.org/sqlite"
)

// sqliteDriver is the database/sql name registered by modernc.org/sqlite,
// the same driver lnd links.
const sqliteDriver = "sqlite"

type pendingInvoiceRow struct {
  PaymentHash  string    `gorm:"primaryKey"`
  Value        []byte    `gorm:"not null"`
  CreatedAt    time.Time `gorm:"index"`
  ExpiresAt    time.Time `gorm:"index;not null"`
  ClaimedUntil *time.Time
}

func (pendingInvoiceRow) TableName() string {
  return "pending_invoices"
}

type settledInvoiceRow struct {
  PaymentHash string    `gorm:"primaryKey"`
  Name        string    `gorm:"not null"`
  Bolt11      string    `gorm:"not null"`
  Preimage    string    `gorm:"not null"`
  ExpiresAt   time.Time `gorm:"index;not null"`
}

func (settledInvoiceRow) TableName() string {
  return "settled_invoices"
}

// SQLiteStore is the single-node backend. Timestamps are compared against
// the Go clock rather than SQLite's so the TTL semantics match the other
// stores.
type SQLiteStore struct {
  db  *gorm.DB
  now func() time.Time
}

func OpenSQLite(path string) (*gorm.DB, error) {
  if dir := filepath.Dir(path); dir != "." {
    if _, err := os.Stat(dir); err != nil {
      return nil, err
    }
  }

  conn, err := sql.Open(sqliteDriver, path)
  if err != nil {
    return nil, fmt.Errorf("open sqlite: %w", err)
  }
  db, err := gorm.Open(gormsqlite.New(gormsqlite.Config{
    DriverName: sqliteDriver,
    Conn:       conn,
  }), &gorm.Config{
    Logger: logger.Default.LogMode(logger.Silent),
  })
  if err != nil {
    _ = conn.Close()
    return nil, err
  }
  db.Exec("PRAGMA journal_mode=WAL;")
  db.Exec("PRAGMA busy_timeout=5000;")
  if sqlDB, err := db.DB(); err == nil {
    sqlDB.SetMaxOpenConns(1)
  }
  return db, nil
}

func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
  if err := db.AutoMigrate(&pendingInvoiceRow{}, &settledInvoiceRow{}); err != nil {
    return nil, fmt.Errorf("migrate invoices: %w", err)
  }
  return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) SetClock(now func() time.Time) {
  s.now = now
}

func (s *SQLiteStore) Get(ctx context.Context, paymentHash string) (PendingInvoice, error) {
  var row pendingInvoiceRow
  res := s.db.WithContext(ctx).
    Where("payment_hash = ? AND expires_at > ?", NormalizeHash(paymentHash), s.now().UTC()).
    Limit(1).
    Find(&row)
  if res.Error != nil {
    return PendingInvoice{}, fmt.Errorf("get pending invoice: %w", res.Error)
  }
  if res.RowsAffected == 0 {
    return PendingInvoice{}, ErrNotFound
  }
  return decodeInvoice(row.Value)
}

func (s *SQLiteStore) Set(ctx context.Context, inv PendingInvoice, ttl time.Duration) error {
  inv.PaymentHash = NormalizeHash(inv.PaymentHash)
  raw, err := json.Marshal(inv)
  if err != nil {
    return err
  }
  now := s.now().UTC()
  row := pendingInvoiceRow{
    PaymentHash: inv.PaymentHash,
    Value:       raw,
    CreatedAt:   now,
    ExpiresAt:   now.Add(ttl),
  }
  res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
    Columns: []clause.Column{{Name: "payment_hash"}},
    DoUpdates: clause.Assignments(map[string]any{
      "value":         raw,
      "expires_at":    row.ExpiresAt,
      "claimed_until": nil,
    }),
  }).Create(&row)
  if res.Error != nil {
    return fmt.Errorf("set pending invoice: %w", res.Error)
  }
  return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, paymentHash string) error {
  res := s.db.WithContext(ctx).Where("payment_hash = ?", NormalizeHash(paymentHash)).Delete(&pendingInvoiceRow{})
  if res.Error != nil {
    return fmt.Errorf("delete pending invoice: %w", res.Error)
  }
  return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]string, error) {
  q := s.db.WithContext(ctx).Model(&pendingInvoiceRow{}).
    Where("expires_at > ?", s.now().UTC()).
    Order("created_at asc").
    Order("payment_hash asc")
  if limit > 0 {
    q = q.Limit(limit)
  }
  var keys []string
  if err := q.Pluck("payment_hash", &keys).Error; err != nil {
    return nil, fmt.Errorf("list pending invoices: %w", err)
  }
  return keys, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, paymentHash string, lease time.Duration) (PendingInvoice, error) {
  key := NormalizeHash(paymentHash)
  now := s.now().UTC()
  until := now.Add(lease)

  res := s.db.WithContext(ctx).Model(&pendingInvoiceRow{}).
    Where("payment_hash = ? AND expires_at > ? AND (claimed_until IS NULL OR claimed_until <= ?)", key, now, now).
    Update("claimed_until", until)
  if res.Error != nil {
    return PendingInvoice{}, fmt.Errorf("claim pending invoice: %w", res.Error)
  }
  if res.RowsAffected == 0 {
    if _, err := s.Get(ctx, key); err != nil {
      return PendingInvoice{}, err
    }
    return PendingInvoice{}, ErrClaimed
  }
  return s.Get(ctx, key)
}

func (s *SQLiteStore) Complete(ctx context.Context, settled SettledInvoice, ttl time.Duration) error {
  key := NormalizeHash(settled.PaymentHash)
  row := settledInvoiceRow{
    PaymentHash: key,
    Name:        settled.Name,
    Bolt11:      settled.Bolt11,
    Preimage:    settled.Preimage,
    ExpiresAt:   s.now().UTC().Add(ttl),
  }
  err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
    if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
      return err
    }
    return tx.Where("payment_hash = ?", key).Delete(&pendingInvoiceRow{}).Error
  })
  if err != nil {
    return fmt.Errorf("complete pending invoice: %w", err)
  }
  return nil
}

func (s *SQLiteStore) Settled(ctx context.Context, paymentHash string) (SettledInvoice, error) {
  var row settledInvoiceRow
  res := s.db.WithContext(ctx).
    Where("payment_hash = ? AND expires_at > ?", NormalizeHash(paymentHash), s.now().UTC()).
    Limit(1).
    Find(&row)
  if res.Error != nil {
    return SettledInvoice{}, fmt.Errorf("get settled invoice: %w", res.Error)
  }
  if res.RowsAffected == 0 {
    return SettledInvoice{}, ErrNotFound
  }
  return SettledInvoice{PaymentHash: row.PaymentHash, Name: row.Name, Bolt11: row.Bolt11, Preimage: row.Preimage}, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
  now := s.now().UTC()
  res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&pendingInvoiceRow{})
  if res.Error != nil {
    return 0, fmt.Errorf("purge pending invoices: %w", res.Error)
  }
  if err := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&settledInvoiceRow{}).Error; err != nil {
    return res.RowsAffected, fmt.Errorf("purge settled invoices: %w", err)
  }
  return res.RowsAffected, nil
}
