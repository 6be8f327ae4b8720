package lndclient

import (
  "context"
  "crypto/x509"
  "encoding/hex"
  "fmt"
  "net"
  "strconv"
  "strings"

  "github.com/lightningnetwork/lnd/lnrpc"
  "google.golang.org/grpc"
  "google.golang.org/grpc/codes"
  "google.golang.org/grpc/credentials"
  "google.golang.org/grpc/status"
)

type macaroonCredential struct {
  macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
  return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
  return true
}

type grpcClient struct {
  target   string
  macaroon string
  pool     *x509.CertPool
}

func newGRPCClient(cfg Config, pool *x509.CertPool) *grpcClient {
  return &grpcClient{
    target:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
    macaroon: strings.TrimSpace(cfg.Macaroon),
    pool:     pool,
  }
}

func (c *grpcClient) dial(ctx context.Context) (*grpc.ClientConn, error) {
  creds := credentials.NewClientTLSFromCert(c.pool, "")
  opts := []grpc.DialOption{
    grpc.WithTransportCredentials(creds),
    grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
    grpc.WithPerRPCCredentials(macaroonCredential{c.macaroon}),
  }
  return grpc.DialContext(ctx, c.target, opts...)
}

func (c *grpcClient) AddInvoice(ctx context.Context, req InvoiceRequest) (CreatedInvoice, error) {
  conn, err := c.dial(ctx)
  if err != nil {
    return CreatedInvoice{}, err
  }
  defer conn.Close()

  client := lnrpc.NewLightningClient(conn)
  resp, err := client.AddInvoice(ctx, invoiceRPC(req))
  if err != nil {
    return CreatedInvoice{}, fmt.Errorf("add invoice: %w", err)
  }
  return createdFromRPC(resp)
}

func (c *grpcClient) LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
  hash, err := hex.DecodeString(paymentHash)
  if err != nil || len(hash) != 32 {
    return InvoiceStatus{}, fmt.Errorf("invalid payment hash")
  }

  conn, err := c.dial(ctx)
  if err != nil {
    return InvoiceStatus{}, err
  }
  defer conn.Close()

  client := lnrpc.NewLightningClient(conn)
  inv, err := client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: hash})
  if err != nil {
    if st, ok := status.FromError(err); ok && (st.Code() == codes.NotFound || isNotFoundMessage(st.Message())) {
      return InvoiceStatus{}, ErrInvoiceNotFound
    }
    return InvoiceStatus{}, fmt.Errorf("lookup invoice: %w", err)
  }
  return statusFromRPC(inv), nil
}
