package server

import (
  "encoding/json"
  "fmt"
  "net/http"
  "net/url"
  "strconv"
  "strings"

  "lnaddress-zaps/internal/lndclient"
  "lnaddress-zaps/internal/settlement"
  "lnaddress-zaps/internal/zaps"

  "github.com/go-chi/chi/v5"
)

type lnurlPayResponse struct {
  Callback       string `json:"callback"`
  MinSendable    int64  `json:"minSendable"`
  MaxSendable    int64  `json:"maxSendable"`
  Metadata       string `json:"metadata"`
  Tag            string `json:"tag"`
  CommentAllowed int    `json:"commentAllowed"`
  AllowsNostr    bool   `json:"allowsNostr,omitempty"`
  NostrPubkey    string `json:"nostrPubkey,omitempty"`
}

type lnurlCallbackResponse struct {
  Pr     string `json:"pr"`
  Routes []any  `json:"routes"`
  Verify string `json:"verify"`
}

type lnurlVerifyResponse struct {
  Status   string  `json:"status"`
  Settled  bool    `json:"settled"`
  Preimage *string `json:"preimage"`
  Pr       string  `json:"pr"`
}

// publicBase is the externally visible origin, used in callback and verify
// URLs and in the identifier metadata.
func (s *Server) publicBase(r *http.Request) string {
  if s.cfg.Server.BaseURL != "" {
    return s.cfg.Server.BaseURL
  }
  scheme := "https"
  if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
    scheme = proto
  } else if r.TLS == nil {
    scheme = "http"
  }
  return scheme + "://" + r.Host
}

func lnurlMetadata(name, base string) (string, error) {
  host := base
  if u, err := url.Parse(base); err == nil && u.Host != "" {
    host = u.Hostname()
  }
  identifier := name + "@" + host
  raw, err := json.Marshal([][]string{
    {"text/plain", "Pay to " + identifier},
    {"text/identifier", identifier},
  })
  if err != nil {
    return "", err
  }
  return string(raw), nil
}

func (s *Server) handleLNURLPay(w http.ResponseWriter, r *http.Request) {
  addr, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "name"))
  if err != nil {
    s.writeLNURLErr(w, err, "")
    return
  }

  base := s.publicBase(r)
  metadata, err := lnurlMetadata(addr.Name, base)
  if err != nil {
    s.writeLNURLErr(w, err, "")
    return
  }

  resp := lnurlPayResponse{
    Callback:       fmt.Sprintf("%s/lnurlp/%s/callback", base, url.PathEscape(addr.Name)),
    MinSendable:    addr.MinSendable,
    MaxSendable:    addr.MaxSendable,
    Metadata:       metadata,
    Tag:            "payRequest",
    CommentAllowed: settlement.MaxCommentLength,
  }
  if addr.AllowsNostr {
    if pk := addr.NostrPubkey(); pk != "" {
      resp.AllowsNostr = true
      resp.NostrPubkey = pk
    }
  }
  writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLNURLCallback(w http.ResponseWriter, r *http.Request) {
  q := r.URL.Query()
  amount, err := strconv.ParseInt(strings.TrimSpace(q.Get("amount")), 10, 64)
  if err != nil || amount <= 0 {
    writeLNURLError(w, http.StatusBadRequest, "amount (msat) required")
    return
  }

  addr, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "name"))
  if err != nil {
    s.writeLNURLErr(w, err, "")
    return
  }
  base := s.publicBase(r)

  req := settlement.IssueRequest{
    Name:    addr.Name,
    Amount:  amount,
    Comment: q.Get("comment"),
  }
  if zapReq := q.Get("nostr"); zapReq != "" {
    req.ZapRequest = zapReq
    req.DescriptionHash = zaps.DescriptionHash(zapReq)
  } else {
    metadata, err := lnurlMetadata(addr.Name, base)
    if err != nil {
      s.writeLNURLErr(w, err, "")
      return
    }
    req.DescriptionHash = zaps.DescriptionHash(metadata)
  }

  res, err := s.svc.Issue(r.Context(), req)
  if err != nil {
    s.writeLNURLErr(w, err, "invoice creation failed")
    return
  }
  writeJSON(w, http.StatusOK, lnurlCallbackResponse{
    Pr:     res.Invoice,
    Routes: []any{},
    Verify: fmt.Sprintf("%s/lnurlp/%s/verify/%s", base, url.PathEscape(addr.Name), res.PaymentHash),
  })
}

func (s *Server) handleLNURLVerify(w http.ResponseWriter, r *http.Request) {
  status, err := s.svc.Verify(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "paymentHash"))
  if err != nil {
    s.writeLNURLErr(w, err, "invoice lookup failed")
    return
  }

  resp := lnurlVerifyResponse{Status: "OK", Pr: status.PaymentRequest}
  if status.State == lndclient.StateSettled && status.Preimage != "" {
    resp.Settled = true
    preimage := status.Preimage
    resp.Preimage = &preimage
  }
  writeJSON(w, http.StatusOK, resp)
}
