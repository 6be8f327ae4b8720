package invoices

import (
  "context"
  "encoding/hex"
  "errors"
  "strings"
  "time"

  "lnaddress-zaps/internal/addresses"
)

var (
  ErrNotFound = errors.New("pending invoice not found")
  ErrClaimed  = errors.New("pending invoice already claimed")
)

// PendingInvoice is the record kept between issuance and a terminal outcome.
// Settled doubles as the broadcast-attempted marker: once true, later sweeps
// only retry the broadcast.
type PendingInvoice struct {
  PaymentHash       string                     `json:"payment_hash"`
  Name              string                     `json:"name"`
  Bolt11            string                     `json:"bolt11"`
  AmountMsat        int64                      `json:"amount_msat"`
  FoundAddress      addresses.LightningAddress `json:"found_address"`
  ZapRequest        string                     `json:"zap_request,omitempty"`
  Settled           bool                       `json:"settled"`
  Preimage          string                     `json:"preimage,omitempty"`
  BroadcastAttempts int                        `json:"broadcast_attempts,omitempty"`
  // ReceiptPublished marks a record whose receipt went out but which could
  // not be completed; it is only ever completed, never broadcast again.
  ReceiptPublished bool      `json:"receipt_published,omitempty"`
  CreatedAt        time.Time `json:"created_at"`
}

// SettledInvoice outlives its pending record so verify can keep answering
// for invoices this service issued.
type SettledInvoice struct {
  PaymentHash string `json:"payment_hash"`
  Name        string `json:"name"`
  Bolt11      string `json:"bolt11"`
  Preimage    string `json:"preimage"`
}

func (p PendingInvoice) Settlement(preimage string) SettledInvoice {
  return SettledInvoice{
    PaymentHash: NormalizeHash(p.PaymentHash),
    Name:        p.Name,
    Bolt11:      p.Bolt11,
    Preimage:    preimage,
  }
}

func (p PendingInvoice) HasZap() bool {
  return strings.TrimSpace(p.ZapRequest) != ""
}

// Store is a key-value store of pending invoices keyed by payment hash.
//
// Set upserts the record with a fresh TTL and drops any claim. Claim takes an
// exclusive lease on a live record; it returns ErrClaimed while another lease
// is active and ErrNotFound when the record is gone or expired.
//
// Complete removes the pending record and stores its settlement for ttl in
// one step. Settled reads that back, or returns ErrNotFound. Purge drops
// expired records of both kinds.
type Store interface {
  Get(ctx context.Context, paymentHash string) (PendingInvoice, error)
  Set(ctx context.Context, inv PendingInvoice, ttl time.Duration) error
  Delete(ctx context.Context, paymentHash string) error
  List(ctx context.Context, limit int) ([]string, error)
  Claim(ctx context.Context, paymentHash string, lease time.Duration) (PendingInvoice, error)
  Complete(ctx context.Context, settled SettledInvoice, ttl time.Duration) error
  Settled(ctx context.Context, paymentHash string) (SettledInvoice, error)
  Purge(ctx context.Context) (int64, error)
}

func NormalizeHash(value string) string {
  return strings.ToLower(strings.TrimSpace(value))
}

func ValidHash(value string) bool {
  if len(value) != 64 {
    return false
  }
  _, err := hex.DecodeString(value)
  return err == nil
}
