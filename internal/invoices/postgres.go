package invoices

import (
  "context"
  "encoding/json"
  "errors"
  "fmt"
  "time"

  "github.com/jackc/pgx/v5"
  "github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
  db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
  return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
  if s.db == nil {
    return errors.New("db not configured")
  }

  _, err := s.db.Exec(ctx, `
create table if not exists pending_invoices (
  payment_hash text primary key,
  value jsonb not null,
  created_at timestamptz not null default now(),
  expires_at timestamptz not null,
  claimed_until timestamptz
);

create index if not exists pending_invoices_expires_at_idx on pending_invoices (expires_at);
create index if not exists pending_invoices_created_at_idx on pending_invoices (created_at);

create table if not exists settled_invoices (
  payment_hash text primary key,
  name text not null,
  bolt11 text not null,
  preimage text not null,
  expires_at timestamptz not null
);

create index if not exists settled_invoices_expires_at_idx on settled_invoices (expires_at);
`)
  return err
}

func (s *PostgresStore) Get(ctx context.Context, paymentHash string) (PendingInvoice, error) {
  var raw []byte
  err := s.db.QueryRow(ctx, `
select value from pending_invoices
where payment_hash = $1 and expires_at > now()`, NormalizeHash(paymentHash)).Scan(&raw)
  if err != nil {
    if errors.Is(err, pgx.ErrNoRows) {
      return PendingInvoice{}, ErrNotFound
    }
    return PendingInvoice{}, fmt.Errorf("get pending invoice: %w", err)
  }
  return decodeInvoice(raw)
}

func (s *PostgresStore) Set(ctx context.Context, inv PendingInvoice, ttl time.Duration) error {
  inv.PaymentHash = NormalizeHash(inv.PaymentHash)
  raw, err := json.Marshal(inv)
  if err != nil {
    return err
  }
  _, err = s.db.Exec(ctx, `
insert into pending_invoices (payment_hash, value, expires_at, claimed_until)
values ($1, $2, now() + make_interval(secs => $3), null)
on conflict (payment_hash) do update set
  value = excluded.value,
  expires_at = excluded.expires_at,
  claimed_until = null
`, inv.PaymentHash, raw, ttl.Seconds())
  if err != nil {
    return fmt.Errorf("set pending invoice: %w", err)
  }
  return nil
}

func (s *PostgresStore) Delete(ctx context.Context, paymentHash string) error {
  if _, err := s.db.Exec(ctx, `delete from pending_invoices where payment_hash = $1`, NormalizeHash(paymentHash)); err != nil {
    return fmt.Errorf("delete pending invoice: %w", err)
  }
  return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]string, error) {
  query := `
select payment_hash from pending_invoices
where expires_at > now()
order by created_at asc, payment_hash asc`
  args := []any{}
  if limit > 0 {
    query += "\nlimit $1"
    args = append(args, limit)
  }

  rows, err := s.db.Query(ctx, query, args...)
  if err != nil {
    return nil, fmt.Errorf("list pending invoices: %w", err)
  }
  keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
  if err != nil {
    return nil, fmt.Errorf("list pending invoices: %w", err)
  }
  return keys, nil
}

func (s *PostgresStore) Claim(ctx context.Context, paymentHash string, lease time.Duration) (PendingInvoice, error) {
  key := NormalizeHash(paymentHash)
  var raw []byte
  err := s.db.QueryRow(ctx, `
update pending_invoices
set claimed_until = now() + make_interval(secs => $2)
where payment_hash = $1
  and expires_at > now()
  and (claimed_until is null or claimed_until <= now())
returning value`, key, lease.Seconds()).Scan(&raw)
  if err == nil {
    return decodeInvoice(raw)
  }
  if !errors.Is(err, pgx.ErrNoRows) {
    return PendingInvoice{}, fmt.Errorf("claim pending invoice: %w", err)
  }

  if _, err := s.Get(ctx, key); err != nil {
    return PendingInvoice{}, err
  }
  return PendingInvoice{}, ErrClaimed
}

func (s *PostgresStore) Complete(ctx context.Context, settled SettledInvoice, ttl time.Duration) error {
  key := NormalizeHash(settled.PaymentHash)
  err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
    if _, err := tx.Exec(ctx, `
insert into settled_invoices (payment_hash, name, bolt11, preimage, expires_at)
values ($1, $2, $3, $4, now() + make_interval(secs => $5))
on conflict (payment_hash) do update set
  name = excluded.name,
  bolt11 = excluded.bolt11,
  preimage = excluded.preimage,
  expires_at = excluded.expires_at
`, key, settled.Name, settled.Bolt11, settled.Preimage, ttl.Seconds()); err != nil {
      return err
    }
    _, err := tx.Exec(ctx, `delete from pending_invoices where payment_hash = $1`, key)
    return err
  })
  if err != nil {
    return fmt.Errorf("complete pending invoice: %w", err)
  }
  return nil
}

func (s *PostgresStore) Settled(ctx context.Context, paymentHash string) (SettledInvoice, error) {
  var out SettledInvoice
  err := s.db.QueryRow(ctx, `
select payment_hash, name, bolt11, preimage from settled_invoices
where payment_hash = $1 and expires_at > now()`, NormalizeHash(paymentHash)).
    Scan(&out.PaymentHash, &out.Name, &out.Bolt11, &out.Preimage)
  if err != nil {
    if errors.Is(err, pgx.ErrNoRows) {
      return SettledInvoice{}, ErrNotFound
    }
    return SettledInvoice{}, fmt.Errorf("get settled invoice: %w", err)
  }
  return out, nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
  tag, err := s.db.Exec(ctx, `delete from pending_invoices where expires_at <= now()`)
  if err != nil {
    return 0, fmt.Errorf("purge pending invoices: %w", err)
  }
  if _, err := s.db.Exec(ctx, `delete from settled_invoices where expires_at <= now()`); err != nil {
    return tag.RowsAffected(), fmt.Errorf("purge settled invoices: %w", err)
  }
  return tag.RowsAffected(), nil
}
