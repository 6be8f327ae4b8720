package server

import (
  "net/http"

  "github.com/go-chi/chi/v5"
  "github.com/go-chi/chi/v5/middleware"
  "github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
  r := chi.NewRouter()
  r.Use(middleware.RequestID)
  r.Use(middleware.RealIP)
  r.Use(middleware.Recoverer)
  r.Use(s.requestLogger())

  r.Get("/api/health", s.handleHealth)
  if s.metrics != nil {
    r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
  }

  r.Route("/api/lightning-address", func(r chi.Router) {
    r.Use(s.requireAPIKey)
    r.With(s.limiter.middleware).Post("/invoice", s.handleIssueInvoice)
    r.Post("/sweep", s.handleSweep)
    r.Get("/sweep", s.handleSweep)
  })

  r.Get("/.well-known/lnurlp/{name}", s.handleLNURLPay)
  r.Route("/lnurlp/{name}", func(r chi.Router) {
    r.Get("/", s.handleLNURLPay)
    r.With(s.limiter.middleware).Get("/callback", s.handleLNURLCallback)
    r.Get("/verify/{paymentHash}", s.handleLNURLVerify)
  })

  return r
}
