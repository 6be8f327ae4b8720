package lndclient

import (
  "context"
  "crypto/sha256"
  "encoding/base64"
  "encoding/hex"
  "encoding/json"
  "encoding/pem"
  "io"
  "net"
  "net/http"
  "net/http/httptest"
  "net/url"
  "strconv"
  "strings"
  "testing"
  "time"

  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

const testMacaroon = "0201036c6e64"

func restNode(t *testing.T, handler http.HandlerFunc) Node {
  t.Helper()
  srv := httptest.NewTLSServer(handler)
  t.Cleanup(srv.Close)

  u, err := url.Parse(srv.URL)
  require.NoError(t, err)
  host, portStr, err := net.SplitHostPort(u.Host)
  require.NoError(t, err)
  port, err := strconv.Atoi(portStr)
  require.NoError(t, err)

  certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
  node, err := New(Config{
    Host:     host,
    Port:     port,
    Macaroon: testMacaroon,
    Cert:     hex.EncodeToString(certPEM),
    Timeout:  5 * time.Second,
  })
  require.NoError(t, err)
  return node
}

func TestRESTAddInvoice(t *testing.T) {
  hash := sha256.Sum256([]byte("preimage"))
  descHash := sha256.Sum256([]byte("zap request"))

  node := restNode(t, func(w http.ResponseWriter, r *http.Request) {
    assert.Equal(t, http.MethodPost, r.Method)
    assert.Equal(t, "/v1/invoices", r.URL.Path)
    assert.Equal(t, testMacaroon, r.Header.Get("Grpc-Metadata-macaroon"))

    raw, err := io.ReadAll(r.Body)
    require.NoError(t, err)
    var body map[string]any
    require.NoError(t, json.Unmarshal(raw, &body))
    assert.Equal(t, "1000000", body["value_msat"])
    assert.Equal(t, base64.StdEncoding.EncodeToString(descHash[:]), body["description_hash"])
    assert.Equal(t, "3600", body["expiry"])

    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(map[string]any{
      "r_hash":          base64.StdEncoding.EncodeToString(hash[:]),
      "payment_request": "lnbc10u1ptest",
      "add_index":       "7",
    })
  })

  created, err := node.AddInvoice(context.Background(), InvoiceRequest{
    ValueMsat:       1_000_000,
    DescriptionHash: descHash[:],
  })
  require.NoError(t, err)
  assert.Equal(t, "lnbc10u1ptest", created.PaymentRequest)
  assert.Equal(t, hex.EncodeToString(hash[:]), created.PaymentHash)
}

func TestRESTLookupSettled(t *testing.T) {
  preimage := []byte(strings.Repeat("p", 32))
  hash := sha256.Sum256(preimage)
  hashHex := hex.EncodeToString(hash[:])

  node := restNode(t, func(w http.ResponseWriter, r *http.Request) {
    assert.Equal(t, "/v1/invoice/"+hashHex, r.URL.Path)
    _ = json.NewEncoder(w).Encode(map[string]any{
      "r_hash":            base64.StdEncoding.EncodeToString(hash[:]),
      "r_preimage":        base64.StdEncoding.EncodeToString(preimage),
      "payment_request":   "lnbc10u1ptest",
      "state":             "SETTLED",
      "settle_date":       "1760000000",
      "amt_paid_msat":     "1000000",
      "some_future_field": true,
    })
  })

  status, err := node.LookupInvoice(context.Background(), hashHex)
  require.NoError(t, err)
  assert.Equal(t, StateSettled, status.State)
  assert.Equal(t, hex.EncodeToString(preimage), status.Preimage)
  assert.Equal(t, hashHex, status.PaymentHash)
  assert.Equal(t, int64(1_000_000), status.AmountPaidMsat)
  assert.False(t, status.SettledAt.IsZero())
}

func TestRESTLookupNotFound(t *testing.T) {
  node := restNode(t, func(w http.ResponseWriter, r *http.Request) {
    w.WriteHeader(http.StatusInternalServerError)
    _, _ = w.Write([]byte(`{"code":2,"message":"unable to locate invoice"}`))
  })

  _, err := node.LookupInvoice(context.Background(), strings.Repeat("ab", 32))
  assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestRESTUpstreamError(t *testing.T) {
  node := restNode(t, func(w http.ResponseWriter, r *http.Request) {
    w.WriteHeader(http.StatusServiceUnavailable)
  })

  _, err := node.AddInvoice(context.Background(), InvoiceRequest{ValueMsat: 1000})
  require.Error(t, err)
  assert.NotErrorIs(t, err, ErrInvoiceNotFound)
  assert.Contains(t, err.Error(), "503")
}

func TestNewValidation(t *testing.T) {
  _, err := New(Config{Port: 1, Macaroon: "00"})
  assert.Error(t, err)
  _, err = New(Config{Host: "h", Port: 1})
  assert.Error(t, err)
  _, err = New(Config{Host: "h", Port: 1, Macaroon: "00", Cert: "not a cert!"})
  assert.Error(t, err)
  _, err = New(Config{Host: "h", Port: 1, Macaroon: "00", Transport: "smoke"})
  assert.Error(t, err)

  node, err := New(Config{Host: "h", Port: 10009, Macaroon: "00", Transport: TransportGRPC})
  require.NoError(t, err)
  _, ok := node.(*grpcClient)
  assert.True(t, ok)
}

func TestStatusTerminal(t *testing.T) {
  assert.True(t, InvoiceStatus{State: StateCanceled}.Terminal())
  assert.True(t, InvoiceStatus{State: StateExpired}.Terminal())
  assert.False(t, InvoiceStatus{State: StateOpen}.Terminal())
  assert.False(t, InvoiceStatus{State: StateSettled}.Terminal())
}
