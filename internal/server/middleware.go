package server

import (
  "crypto/subtle"
  "net"
  "net/http"
  "strings"
  "sync"
  "time"

  "lnaddress-zaps/internal/settlement"

  "github.com/go-chi/chi/v5/middleware"
  "golang.org/x/time/rate"
)

func (s *Server) requestLogger() func(http.Handler) http.Handler {
  return func(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
      start := time.Now()
      ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

      next.ServeHTTP(ww, r)

      s.logger.Info().
        Str("request_id", middleware.GetReqID(r.Context())).
        Str("method", r.Method).
        Str("path", r.URL.Path).
        Int("status", ww.status).
        Int64("duration_ms", time.Since(start).Milliseconds()).
        Msg("request")
    })
  }
}

type responseWriter struct {
  http.ResponseWriter
  status int
}

func (w *responseWriter) WriteHeader(status int) {
  w.status = status
  w.ResponseWriter.WriteHeader(status)
}

// requireAPIKey accepts the key as the raw Authorization value or as a
// bearer token.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
  want := []byte(s.cfg.API.Key)
  return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
    got := strings.TrimSpace(r.Header.Get("Authorization"))
    if len(got) > 7 && strings.EqualFold(got[:7], "bearer ") {
      got = strings.TrimSpace(got[7:])
    }
    if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
      s.writeErr(w, settlement.ErrUnauthorized, "")
      return
    }
    next.ServeHTTP(w, r)
  })
}

type visitor struct {
  limiter  *rate.Limiter
  lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP. Idle buckets are
// evicted every few thousand requests.
type rateLimiter struct {
  rps   rate.Limit
  burst int
  ttl   time.Duration

  mu       sync.Mutex
  visitors map[string]*visitor
  seen     uint64
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
  if burst <= 0 {
    burst = 1
  }
  return &rateLimiter{
    rps:      rate.Limit(rps),
    burst:    burst,
    ttl:      10 * time.Minute,
    visitors: make(map[string]*visitor),
  }
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
  now := time.Now()
  rl.mu.Lock()
  defer rl.mu.Unlock()

  rl.seen++
  if rl.seen >= 5000 {
    for k, v := range rl.visitors {
      if now.Sub(v.lastSeen) >= rl.ttl {
        delete(rl.visitors, k)
      }
    }
    rl.seen = 0
  }

  if v, ok := rl.visitors[key]; ok {
    v.lastSeen = now
    return v.limiter
  }
  lim := rate.NewLimiter(rl.rps, rl.burst)
  rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
  return lim
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
  return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
    if rl.rps <= 0 {
      next.ServeHTTP(w, r)
      return
    }
    if !rl.get(clientIP(r)).Allow() {
      w.Header().Set("Retry-After", "1")
      writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
      return
    }
    next.ServeHTTP(w, r)
  })
}

func clientIP(r *http.Request) string {
  host, _, err := net.SplitHostPort(r.RemoteAddr)
  if err != nil {
    return r.RemoteAddr
  }
  return host
}
