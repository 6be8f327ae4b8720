package addresses

import (
  "context"
  "encoding/hex"
  "errors"
  "fmt"
  "strings"

  "github.com/nbd-wtf/go-nostr"
  "gopkg.in/macaroon.v2"
)

const (
  TransportREST = "rest"
  TransportGRPC = "grpc"
)

var ErrNotFound = errors.New("lightning address not found")

// LightningAddress is the configuration of one custodial address. A copy is
// embedded in every pending invoice so later edits never reach in-flight
// invoices.
type LightningAddress struct {
  Name            string   `yaml:"name" json:"name"`
  LNDHost         string   `yaml:"lnd_host" json:"lnd_host"`
  LNDPort         int      `yaml:"lnd_port" json:"lnd_port"`
  LNDTransport    string   `yaml:"lnd_transport" json:"lnd_transport,omitempty"`
  InvoiceMacaroon string   `yaml:"invoice_macaroon" json:"invoice_macaroon"`
  LNDCert         string   `yaml:"lnd_cert" json:"lnd_cert,omitempty"`
  MinSendable     int64    `yaml:"min_sendable" json:"min_sendable"`
  MaxSendable     int64    `yaml:"max_sendable" json:"max_sendable"`
  AllowsNostr     bool     `yaml:"allows_nostr" json:"allows_nostr"`
  DefaultRelays   []string `yaml:"default_relays" json:"default_relays,omitempty"`
  ZapMessage      string   `yaml:"zap_message" json:"zap_message,omitempty"`
  RelayPrivkey    string   `yaml:"relay_privkey" json:"relay_privkey,omitempty"`
  SigningKey      string   `yaml:"-" json:"signing_key,omitempty"`
}

type Resolver interface {
  Resolve(ctx context.Context, name string) (LightningAddress, error)
}

func NormalizeName(name string) string {
  return strings.ToLower(strings.TrimSpace(name))
}

// Validate checks an address before it can be served. It does not resolve
// the signing key.
func Validate(addr LightningAddress) error {
  if NormalizeName(addr.Name) == "" {
    return errors.New("name required")
  }
  if strings.TrimSpace(addr.LNDHost) == "" {
    return fmt.Errorf("%s: lnd_host required", addr.Name)
  }
  if addr.LNDPort <= 0 || addr.LNDPort > 65535 {
    return fmt.Errorf("%s: invalid lnd_port %d", addr.Name, addr.LNDPort)
  }
  switch addr.LNDTransport {
  case "", TransportREST, TransportGRPC:
  default:
    return fmt.Errorf("%s: unknown lnd_transport %q", addr.Name, addr.LNDTransport)
  }
  if err := ValidateMacaroon(addr.InvoiceMacaroon); err != nil {
    return fmt.Errorf("%s: %w", addr.Name, err)
  }
  if addr.MinSendable <= 0 || addr.MaxSendable < addr.MinSendable {
    return fmt.Errorf("%s: invalid sendable range %d..%d", addr.Name, addr.MinSendable, addr.MaxSendable)
  }
  if addr.RelayPrivkey != "" && !nostr.IsValid32ByteHex(addr.RelayPrivkey) {
    return fmt.Errorf("%s: relay_privkey must be 32 byte hex", addr.Name)
  }
  return nil
}

func ValidateMacaroon(hexMac string) error {
  raw, err := hex.DecodeString(strings.TrimSpace(hexMac))
  if err != nil || len(raw) == 0 {
    return errors.New("invoice_macaroon must be hex")
  }
  var mac macaroon.Macaroon
  if err := mac.UnmarshalBinary(raw); err != nil {
    return fmt.Errorf("invalid invoice_macaroon: %w", err)
  }
  return nil
}

// Snapshot returns the copy embedded in invoice records, with the signing key
// resolved: the address override wins over the process-wide key.
func Snapshot(addr LightningAddress, defaultSigningKey string) LightningAddress {
  snap := addr
  snap.Name = NormalizeName(addr.Name)
  snap.DefaultRelays = append([]string(nil), addr.DefaultRelays...)
  if snap.LNDTransport == "" {
    snap.LNDTransport = TransportREST
  }
  snap.SigningKey = defaultSigningKey
  if strings.TrimSpace(addr.RelayPrivkey) != "" {
    snap.SigningKey = strings.TrimSpace(addr.RelayPrivkey)
  }
  return snap
}

// NostrPubkey is the pubkey receipts for this address are signed with.
func (a LightningAddress) NostrPubkey() string {
  if a.SigningKey == "" {
    return ""
  }
  pk, err := nostr.GetPublicKey(a.SigningKey)
  if err != nil {
    return ""
  }
  return pk
}
