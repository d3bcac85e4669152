package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/1sec-project/socsim/internal/core"
	"golang.org/x/time/rate"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so the first middleware sees the request first.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func isHealthCheck(r *http.Request) bool {
	return r.URL.Path == "/health"
}

type principalKey struct{}

// PrincipalFrom returns the principal the auth middleware attached to ctx.
func PrincipalFrom(ctx context.Context) (core.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(core.Principal)
	return p, ok
}

func principal(r *http.Request) core.Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// apiKey extracts the caller key from Authorization, X-API-Key or, for the
// WebSocket stream only, the api_key query parameter.
func apiKey(r *http.Request) string {
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if r.URL.Path == "/api/v1/stream" {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

// authenticate resolves every request except /health to a principal. With no
// keys configured all callers act as the configured default principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	cfg := s.engine.Config
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthCheck(r) {
			next.ServeHTTP(w, r)
			return
		}

		p := cfg.DefaultPrincipal()
		if cfg.AuthEnabled() {
			key := apiKey(r)
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "missing API key: send Authorization: Bearer <key> or X-API-Key",
				})
				return
			}
			var ok bool
			if p, ok = cfg.PrincipalForKey(key); !ok {
				s.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("rejected unknown API key")
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
}

type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst <= 0 {
		burst = max(int(limit)*2, 1)
	}
	return &clientLimiter{clients: make(map[string]*client), limit: limit, burst: burst}
}

func (l *clientLimiter) allow(addr string, now time.Time) bool {
	l.mu.Lock()
	c, ok := l.clients[addr]
	if !ok {
		c = &client{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = c
	}
	c.seen = now
	l.mu.Unlock()
	return c.bucket.AllowN(now, 1)
}

// forget drops clients idle since before cutoff.
func (l *clientLimiter) forget(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, c := range l.clients {
		if c.seen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}

func (l *clientLimiter) run(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.forget(now.Add(-idle))
		}
	}
}

// limitRate throttles each client address to server.rate_limit requests per
// second. /health is never throttled.
func (s *Server) limitRate(limit rate.Limit, burst int) middleware {
	limiter := newClientLimiter(limit, burst)
	go limiter.run(s.ctx, 5*time.Minute, 10*time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(addr); err == nil {
				addr = host
			}
			if !isHealthCheck(r) && !limiter.allow(addr, time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cors answers preflight requests and sets CORS headers for allowed origins.
// An empty allow list admits any origin.
func cors(origins []string) middleware {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			switch {
			case len(origins) == 0:
				h.Set("Access-Control-Allow-Origin", "*")
			case allowAll || allowed[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			default:
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for the access log. It keeps
// Hijack working for the WebSocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
