package lndclient

import (
  "bytes"
  "context"
  "crypto/tls"
  "crypto/x509"
  "encoding/json"
  "errors"
  "fmt"
  "io"
  "net"
  "net/http"
  "strconv"
  "strings"
  "time"

  "github.com/lightningnetwork/lnd/lnrpc"
  "google.golang.org/protobuf/encoding/protojson"
  "google.golang.org/protobuf/proto"
)

const maxRESTBody = 1 << 20

// restClient speaks the grpc-gateway REST API. Bodies are the lnrpc messages
// in protojson form, which is what the gateway emits.
type restClient struct {
  baseURL  string
  macaroon string
  http     *http.Client
}

type restError struct {
  Code    int    `json:"code"`
  Message string `json:"message"`
  Error   string `json:"error"`
}

func newRESTClient(cfg Config, pool *x509.CertPool) *restClient {
  timeout := cfg.Timeout
  if timeout <= 0 {
    timeout = 10 * time.Second
  }
  transport := http.DefaultTransport.(*http.Transport).Clone()
  transport.TLSClientConfig = &tls.Config{
    MinVersion: tls.VersionTLS12,
    RootCAs:    pool,
  }
  return &restClient{
    baseURL:  "https://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
    macaroon: strings.TrimSpace(cfg.Macaroon),
    http:     &http.Client{Timeout: timeout, Transport: transport},
  }
}

func (c *restClient) AddInvoice(ctx context.Context, req InvoiceRequest) (CreatedInvoice, error) {
  body, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(invoiceRPC(req))
  if err != nil {
    return CreatedInvoice{}, err
  }

  var resp lnrpc.AddInvoiceResponse
  if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
    return CreatedInvoice{}, fmt.Errorf("add invoice: %w", err)
  }
  return createdFromRPC(&resp)
}

func (c *restClient) LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
  var inv lnrpc.Invoice
  if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+strings.ToLower(paymentHash), nil, &inv); err != nil {
    return InvoiceStatus{}, fmt.Errorf("lookup invoice: %w", err)
  }
  return statusFromRPC(&inv), nil
}

func (c *restClient) do(ctx context.Context, method string, path string, body []byte, dst proto.Message) error {
  var reader io.Reader
  if body != nil {
    reader = bytes.NewReader(body)
  }
  req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
  if err != nil {
    return err
  }
  req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
  if body != nil {
    req.Header.Set("Content-Type", "application/json")
  }

  resp, err := c.http.Do(req)
  if err != nil {
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
      return errors.New("lnd request timed out")
    }
    return err
  }
  defer resp.Body.Close()

  raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTBody))
  if err != nil {
    return err
  }

  if resp.StatusCode != http.StatusOK {
    var apiErr restError
    _ = json.Unmarshal(raw, &apiErr)
    msg := apiErr.Message
    if msg == "" {
      msg = apiErr.Error
    }
    if resp.StatusCode == http.StatusNotFound || isNotFoundMessage(msg) {
      return ErrInvoiceNotFound
    }
    if msg == "" {
      return fmt.Errorf("lnd returned status %d", resp.StatusCode)
    }
    return fmt.Errorf("lnd returned status %d: %s", resp.StatusCode, msg)
  }

  if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(raw, dst); err != nil {
    return fmt.Errorf("decode lnd response: %w", err)
  }
  return nil
}
