package lndclient

import (
  "context"
  "crypto/x509"
  "encoding/base64"
  "encoding/hex"
  "errors"
  "fmt"
  "strings"
  "time"

  "github.com/lightningnetwork/lnd/lnrpc"
)

const (
  TransportREST = "rest"
  TransportGRPC = "grpc"

  defaultExpiry  = time.Hour
  maxGRPCMsgSize = 4 * 1024 * 1024
)

type InvoiceState string

const (
  StateOpen     InvoiceState = "OPEN"
  StateAccepted InvoiceState = "ACCEPTED"
  StateSettled  InvoiceState = "SETTLED"
  StateCanceled InvoiceState = "CANCELED"
  StateExpired  InvoiceState = "EXPIRED"
)

var ErrInvoiceNotFound = errors.New("invoice not found on node")

// Config addresses one node with an invoice-scoped macaroon (hex). Cert is an
// optional PEM, or hex/base64 of a PEM; without it the system roots are used.
type Config struct {
  Host      string
  Port      int
  Macaroon  string
  Cert      string
  Transport string
  Timeout   time.Duration
}

type InvoiceRequest struct {
  ValueMsat       int64
  DescriptionHash []byte
  Memo            string
  Expiry          time.Duration
}

type CreatedInvoice struct {
  PaymentRequest string
  PaymentHash    string
}

type InvoiceStatus struct {
  PaymentHash    string
  PaymentRequest string
  State          InvoiceState
  Preimage       string
  AmountPaidMsat int64
  SettledAt      time.Time
}

func (s InvoiceStatus) Terminal() bool {
  return s.State == StateCanceled || s.State == StateExpired
}

// Node is the slice of the LND invoice API this service needs.
type Node interface {
  AddInvoice(ctx context.Context, req InvoiceRequest) (CreatedInvoice, error)
  LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error)
}

func New(cfg Config) (Node, error) {
  if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 {
    return nil, errors.New("lnd host and port required")
  }
  if strings.TrimSpace(cfg.Macaroon) == "" {
    return nil, errors.New("lnd macaroon required")
  }
  pool, err := certPool(cfg.Cert)
  if err != nil {
    return nil, err
  }

  switch strings.ToLower(cfg.Transport) {
  case "", TransportREST:
    return newRESTClient(cfg, pool), nil
  case TransportGRPC:
    return newGRPCClient(cfg, pool), nil
  default:
    return nil, fmt.Errorf("unknown lnd transport %q", cfg.Transport)
  }
}

func certPool(raw string) (*x509.CertPool, error) {
  trimmed := strings.TrimSpace(raw)
  if trimmed == "" {
    return nil, nil
  }

  pemBytes := []byte(trimmed)
  if !strings.HasPrefix(trimmed, "-----BEGIN") {
    if decoded, err := hex.DecodeString(trimmed); err == nil {
      pemBytes = decoded
    } else if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
      pemBytes = decoded
    } else {
      return nil, errors.New("lnd cert must be PEM, hex or base64")
    }
  }

  pool := x509.NewCertPool()
  if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
    return nil, fmt.Errorf("failed to parse LND TLS cert")
  }
  return pool, nil
}

func expirySeconds(d time.Duration) int64 {
  if d <= 0 {
    d = defaultExpiry
  }
  return int64(d / time.Second)
}

func invoiceRPC(req InvoiceRequest) *lnrpc.Invoice {
  return &lnrpc.Invoice{
    Memo:            req.Memo,
    ValueMsat:       req.ValueMsat,
    DescriptionHash: req.DescriptionHash,
    Expiry:          expirySeconds(req.Expiry),
  }
}

func createdFromRPC(resp *lnrpc.AddInvoiceResponse) (CreatedInvoice, error) {
  if resp == nil || resp.PaymentRequest == "" || len(resp.RHash) != 32 {
    return CreatedInvoice{}, errors.New("lnd returned an incomplete invoice")
  }
  return CreatedInvoice{
    PaymentRequest: resp.PaymentRequest,
    PaymentHash:    strings.ToLower(hex.EncodeToString(resp.RHash)),
  }, nil
}

func statusFromRPC(inv *lnrpc.Invoice) InvoiceStatus {
  status := InvoiceStatus{
    PaymentHash:    strings.ToLower(hex.EncodeToString(inv.GetRHash())),
    PaymentRequest: inv.GetPaymentRequest(),
    State:          InvoiceState(inv.GetState().String()),
    AmountPaidMsat: inv.GetAmtPaidMsat(),
  }
  if len(inv.GetRPreimage()) > 0 {
    status.Preimage = hex.EncodeToString(inv.GetRPreimage())
  }
  if inv.GetSettleDate() > 0 {
    status.SettledAt = time.Unix(inv.GetSettleDate(), 0).UTC()
  }
  return status
}

func isNotFoundMessage(msg string) bool {
  lower := strings.ToLower(msg)
  return strings.Contains(lower, "unable to locate invoice") || strings.Contains(lower, "there are no existing invoices")
}
