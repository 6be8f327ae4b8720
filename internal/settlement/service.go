package settlement

import (
  "context"
  "encoding/hex"
  "errors"
  "fmt"
  "strings"
  "time"

  "lnaddress-zaps/internal/addresses"
  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/lndclient"
  "lnaddress-zaps/internal/zaps"

  "github.com/nbd-wtf/go-nostr"
  "github.com/rs/zerolog"
)

const MaxCommentLength = 255

// NodeFactory opens a node client for the address captured in a record.
type NodeFactory func(addr addresses.LightningAddress) (lndclient.Node, error)

func DefaultNodeFactory(timeout time.Duration) NodeFactory {
  return func(addr addresses.LightningAddress) (lndclient.Node, error) {
    return lndclient.New(lndclient.Config{
      Host:      addr.LNDHost,
      Port:      addr.LNDPort,
      Macaroon:  addr.InvoiceMacaroon,
      Cert:      addr.LNDCert,
      Transport: addr.LNDTransport,
      Timeout:   timeout,
    })
  }
}

type ReceiptPublisher interface {
  Publish(ctx context.Context, r zaps.Receipt) (nostr.Event, error)
}

type Options struct {
  PendingTTL           time.Duration
  InvoiceExpiry        time.Duration
  NodeTimeout          time.Duration
  WatcherAttempts      int
  WatcherInterval      time.Duration
  ClaimLease           time.Duration
  BatchLimit           int
  TimeBudget           time.Duration
  MaxBroadcastAttempts int
  DefaultRelays        []string
}

func (o *Options) fill() {
  if o.PendingTTL <= 0 {
    o.PendingTTL = 24 * time.Hour
  }
  if o.InvoiceExpiry <= 0 {
    o.InvoiceExpiry = time.Hour
  }
  if o.NodeTimeout <= 0 {
    o.NodeTimeout = 10 * time.Second
  }
  if o.WatcherAttempts <= 0 {
    o.WatcherAttempts = 60
  }
  if o.WatcherInterval <= 0 {
    o.WatcherInterval = 5 * time.Second
  }
  if o.ClaimLease <= 0 {
    o.ClaimLease = 30 * time.Second
  }
  if o.BatchLimit <= 0 {
    o.BatchLimit = 500
  }
  if o.TimeBudget <= 0 {
    o.TimeBudget = 50 * time.Second
  }
  if o.MaxBroadcastAttempts <= 0 {
    o.MaxBroadcastAttempts = 10
  }
}

type Deps struct {
  Resolver  addresses.Resolver
  Store     invoices.Store
  Nodes     NodeFactory
  Publisher ReceiptPublisher
  // Verifier defaults to asking the node directly.
  Verifier Verifier
  Metrics  *Metrics
  Logger   zerolog.Logger
}

type Service struct {
  resolver  addresses.Resolver
  store     invoices.Store
  nodes     NodeFactory
  publisher ReceiptPublisher
  verifier  Verifier
  watchers  *WatcherGroup
  metrics   *Metrics
  logger    zerolog.Logger
  opts      Options
  now       func() time.Time
}

// New builds the service. Watchers spawned by Issue live until ctx is
// cancelled or their own budget runs out.
func New(ctx context.Context, deps Deps, opts Options) *Service {
  opts.fill()
  s := &Service{
    resolver:  deps.Resolver,
    store:     deps.Store,
    nodes:     deps.Nodes,
    publisher: deps.Publisher,
    verifier:  deps.Verifier,
    metrics:   deps.Metrics,
    logger:    deps.Logger,
    opts:      opts,
    now:       time.Now,
  }
  if s.nodes == nil {
    s.nodes = DefaultNodeFactory(opts.NodeTimeout)
  }
  if s.verifier == nil {
    s.verifier = NodeVerifier(s.nodes, opts.NodeTimeout)
  }
  s.watchers = NewWatcherGroup(ctx, s)
  return s
}

func (s *Service) Watchers() *WatcherGroup {
  return s.watchers
}

type IssueRequest struct {
  Name            string `json:"name"`
  Amount          int64  `json:"amount"`
  DescriptionHash string `json:"description_hash"`
  ZapRequest      string `json:"zap_request,omitempty"`
  Comment         string `json:"comment,omitempty"`
}

type IssueResult struct {
  Invoice     string `json:"invoice"`
  PaymentHash string `json:"payment_hash"`
}

// Issue creates an invoice for a lightning address, stores the pending
// record and, for zaps, starts a watcher. It returns before settlement is
// known.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
  addr, err := s.resolver.Resolve(ctx, req.Name)
  if err != nil {
    return IssueResult{}, err
  }

  if req.Amount < addr.MinSendable || req.Amount > addr.MaxSendable {
    return IssueResult{}, invalid("amount must be between %d and %d msat", addr.MinSendable, addr.MaxSendable)
  }
  if len(req.Comment) > MaxCommentLength {
    return IssueResult{}, invalid("comment too long (max %d chars)", MaxCommentLength)
  }

  descHash := strings.ToLower(strings.TrimSpace(req.DescriptionHash))
  zapRaw := strings.TrimSpace(req.ZapRequest)
  if zapRaw != "" {
    if !addr.AllowsNostr {
      return IssueResult{}, invalid("nostr zaps not allowed for %s", addr.Name)
    }
    zr, err := zaps.ParseZapRequest(zapRaw)
    if err != nil {
      return IssueResult{}, invalid("invalid zap request: %v", err)
    }
    if zr.DescriptionHash() != descHash {
      return IssueResult{}, invalid("description_hash does not match zap request")
    }
    if !nostr.IsValid32ByteHex(addr.SigningKey) {
      return IssueResult{}, invalid("no zap signing key configured for %s", addr.Name)
    }
  }
  hashBytes, err := hex.DecodeString(descHash)
  if err != nil || len(hashBytes) != 32 {
    return IssueResult{}, invalid("description_hash must be 32 bytes hex")
  }

  node, err := s.nodes(addr)
  if err != nil {
    s.logger.Error().Err(err).Str("name", addr.Name).Msg("lnd client config invalid")
    return IssueResult{}, &UpstreamError{Op: "connect node", Err: err}
  }
  created, err := node.AddInvoice(ctx, lndclient.InvoiceRequest{
    ValueMsat:       req.Amount,
    DescriptionHash: hashBytes,
    Memo:            req.Comment,
    Expiry:          s.opts.InvoiceExpiry,
  })
  if err != nil {
    s.logger.Error().Err(err).Str("name", addr.Name).Int64("amount_msat", req.Amount).Msg("invoice creation failed")
    return IssueResult{}, &UpstreamError{Op: "add invoice", Err: err}
  }

  record := invoices.PendingInvoice{
    PaymentHash:  created.PaymentHash,
    Name:         addr.Name,
    Bolt11:       created.PaymentRequest,
    AmountMsat:   req.Amount,
    FoundAddress: addr,
    ZapRequest:   zapRaw,
    CreatedAt:    s.now().UTC(),
  }
  if err := s.store.Set(ctx, record, s.opts.PendingTTL); err != nil {
    return IssueResult{}, fmt.Errorf("persist pending invoice: %w", err)
  }

  s.metrics.issued(record.HasZap())
  s.logger.Info().
    Str("name", addr.Name).
    Str("payment_hash", created.PaymentHash).
    Int64("amount_msat", req.Amount).
    Bool("zap", record.HasZap()).
    Msg("invoice issued")

  if record.HasZap() {
    s.watchers.Watch(addr.Name, created.PaymentHash)
  }
  return IssueResult{Invoice: created.PaymentRequest, PaymentHash: created.PaymentHash}, nil
}

// Verify reports an invoice's state for the LUD-21 verify endpoint. Only
// hashes this service issued for name are answered: live records are checked
// against their node, finished ones come from their stored settlement, and
// anything else is not found without asking the node.
func (s *Service) Verify(ctx context.Context, name, paymentHash string) (lndclient.InvoiceStatus, error) {
  hash := invoices.NormalizeHash(paymentHash)
  if !invoices.ValidHash(hash) {
    return lndclient.InvoiceStatus{}, invalid("invalid payment hash")
  }
  addr, err := s.resolver.Resolve(ctx, name)
  if err != nil {
    return lndclient.InvoiceStatus{}, err
  }

  inv, err := s.store.Get(ctx, hash)
  if errors.Is(err, invoices.ErrNotFound) {
    done, err := s.store.Settled(ctx, hash)
    if err != nil {
      if errors.Is(err, invoices.ErrNotFound) {
        return lndclient.InvoiceStatus{}, lndclient.ErrInvoiceNotFound
      }
      return lndclient.InvoiceStatus{}, err
    }
    if done.Name != addr.Name {
      return lndclient.InvoiceStatus{}, lndclient.ErrInvoiceNotFound
    }
    return lndclient.InvoiceStatus{PaymentHash: hash, PaymentRequest: done.Bolt11, State: lndclient.StateSettled, Preimage: done.Preimage}, nil
  }
  if err != nil {
    return lndclient.InvoiceStatus{}, err
  }
  if inv.Name != addr.Name {
    return lndclient.InvoiceStatus{}, lndclient.ErrInvoiceNotFound
  }
  if inv.Settled {
    return lndclient.InvoiceStatus{PaymentHash: hash, PaymentRequest: inv.Bolt11, State: lndclient.StateSettled, Preimage: inv.Preimage}, nil
  }

  node, err := s.nodes(inv.FoundAddress)
  if err != nil {
    return lndclient.InvoiceStatus{}, &UpstreamError{Op: "connect node", Err: err}
  }
  lookupCtx, cancel := context.WithTimeout(ctx, s.opts.NodeTimeout)
  defer cancel()
  status, err := node.LookupInvoice(lookupCtx, hash)
  if err != nil {
    if errors.Is(err, lndclient.ErrInvoiceNotFound) {
      return lndclient.InvoiceStatus{}, err
    }
    return lndclient.InvoiceStatus{}, &UpstreamError{Op: "lookup invoice", Err: err}
  }
  return status, nil
}

// Shutdown stops accepting watchers and waits for running ones.
func (s *Service) Shutdown(ctx context.Context) error {
  return s.watchers.Shutdown(ctx)
}
