package server

import (
  "errors"
  "net/http"

  "lnaddress-zaps/internal/addresses"
  "lnaddress-zaps/internal/lndclient"
  "lnaddress-zaps/internal/settlement"
)

// errorStatus maps service errors to a status and a message safe to show.
// upstreamMsg replaces node error detail, which only goes to the log.
func errorStatus(err error, upstreamMsg string) (int, string) {
  var vErr *settlement.ValidationError
  var upErr *settlement.UpstreamError
  switch {
  case errors.Is(err, settlement.ErrUnauthorized):
    return http.StatusUnauthorized, "unauthorized"
  case errors.Is(err, addresses.ErrNotFound):
    return http.StatusNotFound, "lightning address not found"
  case errors.Is(err, lndclient.ErrInvoiceNotFound):
    return http.StatusNotFound, "invoice not found"
  case errors.As(err, &vErr):
    return http.StatusBadRequest, vErr.Msg
  case errors.As(err, &upErr):
    if upstreamMsg == "" {
      upstreamMsg = "upstream node error"
    }
    return http.StatusInternalServerError, upstreamMsg
  default:
    return http.StatusInternalServerError, "internal error"
  }
}

func (s *Server) writeErr(w http.ResponseWriter, err error, upstreamMsg string) {
  status, msg := errorStatus(err, upstreamMsg)
  if status >= http.StatusInternalServerError {
    s.logger.Error().Err(err).Int("status", status).Msg("request failed")
  }
  writeError(w, status, msg)
}

// writeLNURLErr uses the LNURL error shape instead of {"error": ...}.
func (s *Server) writeLNURLErr(w http.ResponseWriter, err error, upstreamMsg string) {
  status, msg := errorStatus(err, upstreamMsg)
  if status >= http.StatusInternalServerError {
    s.logger.Error().Err(err).Int("status", status).Msg("lnurl request failed")
  }
  writeLNURLError(w, status, msg)
}
