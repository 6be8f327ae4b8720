package addresses

import (
  "context"
  "errors"
  "fmt"

  "github.com/jackc/pgx/v5"
  "github.com/jackc/pgx/v5/pgxpool"
)

// PostgresResolver looks addresses up in the lightning_addresses table
// maintained by the surrounding application.
type PostgresResolver struct {
  db *pgxpool.Pool
}

func NewPostgresResolver(db *pgxpool.Pool) *PostgresResolver {
  return &PostgresResolver{db: db}
}

func (r *PostgresResolver) EnsureSchema(ctx context.Context) error {
  if r.db == nil {
    return errors.New("db not configured")
  }

  _, err := r.db.Exec(ctx, `
create table if not exists lightning_addresses (
  name text primary key,
  lnd_host text not null,
  lnd_port integer not null,
  lnd_transport text not null default 'rest',
  invoice_macaroon text not null,
  lnd_cert text,
  min_sendable bigint not null,
  max_sendable bigint not null,
  allows_nostr boolean not null default false,
  default_relays text[] not null default '{}',
  zap_message text,
  relay_privkey text,
  updated_at timestamptz not null default now()
);
`)
  return err
}

func (r *PostgresResolver) Resolve(ctx context.Context, name string) (LightningAddress, error) {
  row := r.db.QueryRow(ctx, `
select name, lnd_host, lnd_port, lnd_transport, invoice_macaroon, coalesce(lnd_cert, ''),
  min_sendable, max_sendable, allows_nostr, default_relays, coalesce(zap_message, ''),
  coalesce(relay_privkey, '')
from lightning_addresses
where name = $1`, NormalizeName(name))

  var addr LightningAddress
  err := row.Scan(
    &addr.Name, &addr.LNDHost, &addr.LNDPort, &addr.LNDTransport, &addr.InvoiceMacaroon, &addr.LNDCert,
    &addr.MinSendable, &addr.MaxSendable, &addr.AllowsNostr, &addr.DefaultRelays, &addr.ZapMessage,
    &addr.RelayPrivkey,
  )
  if err != nil {
    if errors.Is(err, pgx.ErrNoRows) {
      return LightningAddress{}, ErrNotFound
    }
    return LightningAddress{}, fmt.Errorf("lookup lightning address: %w", err)
  }
  if err := Validate(addr); err != nil {
    return LightningAddress{}, fmt.Errorf("stored lightning address invalid: %w", err)
  }
  return addr, nil
}

func (r *PostgresResolver) Upsert(ctx context.Context, addr LightningAddress) error {
  if err := Validate(addr); err != nil {
    return err
  }
  transport := addr.LNDTransport
  if transport == "" {
    transport = TransportREST
  }
  relays := addr.DefaultRelays
  if relays == nil {
    relays = []string{}
  }
  _, err := r.db.Exec(ctx, `
insert into lightning_addresses (
  name, lnd_host, lnd_port, lnd_transport, invoice_macaroon, lnd_cert, min_sendable, max_sendable,
  allows_nostr, default_relays, zap_message, relay_privkey
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
on conflict (name) do update set
  lnd_host = excluded.lnd_host,
  lnd_port = excluded.lnd_port,
  lnd_transport = excluded.lnd_transport,
  invoice_macaroon = excluded.invoice_macaroon,
  lnd_cert = excluded.lnd_cert,
  min_sendable = excluded.min_sendable,
  max_sendable = excluded.max_sendable,
  allows_nostr = excluded.allows_nostr,
  default_relays = excluded.default_relays,
  zap_message = excluded.zap_message,
  relay_privkey = excluded.relay_privkey,
  updated_at = now()
`, NormalizeName(addr.Name), addr.LNDHost, addr.LNDPort, transport, addr.InvoiceMacaroon,
    nullableString(addr.LNDCert), addr.MinSendable, addr.MaxSendable, addr.AllowsNostr, relays,
    nullableString(addr.ZapMessage), nullableString(addr.RelayPrivkey),
  )
  return err
}

func nullableString(value string) any {
  if value == "" {
    return nil
  }
  return value
}
