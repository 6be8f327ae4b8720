package server

import (
  "context"
  "net/http"
  "time"

  "lnaddress-zaps/internal/settlement"
)

const healthCheckTimeout = 3 * time.Second

type healthIssue struct {
  Component string `json:"component"`
  Level     string `json:"level"`
  Message   string `json:"message"`
}

type healthResponse struct {
  Status string        `json:"status"`
  Issues []healthIssue `json:"issues"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
  issues := []healthIssue{}
  status := "OK"

  ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
  defer cancel()
  if _, err := s.store.List(ctx, 1); err != nil {
    issues = append(issues, healthIssue{Component: "store", Level: "ERR", Message: err.Error()})
    status = "ERR"
  }
  if s.cfg.API.Key == "" {
    issues = append(issues, healthIssue{Component: "api", Level: "WARN", Message: "api key not configured"})
    if status == "OK" {
      status = "WARN"
    }
  }

  code := http.StatusOK
  if status == "ERR" {
    code = http.StatusServiceUnavailable
  }
  writeJSON(w, code, healthResponse{Status: status, Issues: issues})
}

func (s *Server) handleIssueInvoice(w http.ResponseWriter, r *http.Request) {
  var req settlement.IssueRequest
  if err := readJSON(w, r, &req); err != nil {
    writeError(w, http.StatusBadRequest, "invalid json")
    return
  }

  res, err := s.svc.Issue(r.Context(), req)
  if err != nil {
    s.writeErr(w, err, "invoice creation failed")
    return
  }
  writeJSON(w, http.StatusOK, res)
}

// handleSweep keeps going within the sweep budget after the caller
// disconnects.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
  ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.Sweep.TimeBudget+s.cfg.Invoices.NodeTimeout)
  defer cancel()

  res, err := s.svc.Sweep(ctx)
  if err != nil {
    s.writeErr(w, err, "")
    return
  }
  writeJSON(w, http.StatusOK, res)
}
