package settlement

import (
  "context"
  "encoding/json"
  "fmt"
  "net/http"
  "net/url"
  "strings"
  "time"

  "lnaddress-zaps/internal/invoices"
  "lnaddress-zaps/internal/lndclient"
)

// Verifier reports the node state of a pending invoice.
type Verifier interface {
  Verify(ctx context.Context, inv invoices.PendingInvoice) (lndclient.InvoiceStatus, error)
}

type nodeVerifier struct {
  nodes   NodeFactory
  timeout time.Duration
}

func NodeVerifier(nodes NodeFactory, timeout time.Duration) Verifier {
  return &nodeVerifier{nodes: nodes, timeout: timeout}
}

func (v *nodeVerifier) Verify(ctx context.Context, inv invoices.PendingInvoice) (lndclient.InvoiceStatus, error) {
  node, err := v.nodes(inv.FoundAddress)
  if err != nil {
    return lndclient.InvoiceStatus{}, err
  }
  ctx, cancel := context.WithTimeout(ctx, v.timeout)
  defer cancel()
  return node.LookupInvoice(ctx, inv.PaymentHash)
}

type verifyResponse struct {
  Status   string  `json:"status"`
  Reason   string  `json:"reason"`
  Settled  bool    `json:"settled"`
  Preimage *string `json:"preimage"`
  PR       string  `json:"pr"`
}

// HTTPVerifier polls a LUD-21 verify endpoint, for deployments where the
// process running watchers cannot reach the nodes itself.
type HTTPVerifier struct {
  baseURL string
  client  *http.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
  if timeout <= 0 {
    timeout = 10 * time.Second
  }
  return &HTTPVerifier{
    baseURL: strings.TrimRight(baseURL, "/"),
    client:  &http.Client{Timeout: timeout},
  }
}

func (v *HTTPVerifier) Verify(ctx context.Context, inv invoices.PendingInvoice) (lndclient.InvoiceStatus, error) {
  verifyURL := fmt.Sprintf("%s/lnurlp/%s/verify/%s", v.baseURL, url.PathEscape(inv.Name), url.PathEscape(inv.PaymentHash))
  req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
  if err != nil {
    return lndclient.InvoiceStatus{}, err
  }
  resp, err := v.client.Do(req)
  if err != nil {
    return lndclient.InvoiceStatus{}, err
  }
  defer resp.Body.Close()

  if resp.StatusCode == http.StatusNotFound {
    return lndclient.InvoiceStatus{}, lndclient.ErrInvoiceNotFound
  }
  if resp.StatusCode != http.StatusOK {
    return lndclient.InvoiceStatus{}, fmt.Errorf("verify returned status %d", resp.StatusCode)
  }

  var payload verifyResponse
  if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
    return lndclient.InvoiceStatus{}, err
  }
  if strings.EqualFold(payload.Status, "ERROR") {
    if payload.Reason != "" {
      return lndclient.InvoiceStatus{}, fmt.Errorf("verify failed: %s", payload.Reason)
    }
    return lndclient.InvoiceStatus{}, fmt.Errorf("verify failed")
  }

  status := lndclient.InvoiceStatus{
    PaymentHash:    inv.PaymentHash,
    PaymentRequest: payload.PR,
    State:          lndclient.StateOpen,
  }
  if payload.Settled && payload.Preimage != nil && *payload.Preimage != "" {
    status.State = lndclient.StateSettled
    status.Preimage = *payload.Preimage
  }
  return status, nil
}
