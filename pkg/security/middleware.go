// Package security carries the request-facing cross-cutting checks: CORS,
// token authentication and per-caller rate limiting.
package security

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"chatstream/pkg/auth"
	"chatstream/pkg/logger"
)

type ctxKey int

const viewerKey ctxKey = iota

// WithViewer returns a context carrying the authenticated user id.
func WithViewer(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, viewerKey, userID)
}

// Viewer returns the authenticated user id, or "".
func Viewer(ctx context.Context) string {
	v, _ := ctx.Value(viewerKey).(string)
	return v
}

// SecConfig tunes the middleware.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
}

// publicPath reports whether the path is reachable without a token: probes,
// metrics, login and stored blobs (media URLs are embedded in img/video
// tags, which cannot carry an Authorization header).
func publicPath(r *http.Request) bool {
	p := r.URL.Path
	switch {
	case p == "/healthz" && r.Method == http.MethodGet:
		return true
	case p == "/readyz" && r.Method == http.MethodGet:
		return true
	case p == "/metrics" && r.Method == http.MethodGet:
		return true
	case p == "/v1/login" && r.Method == http.MethodPost:
		return true
	case strings.HasPrefix(p, "/v1/blobs/") && r.Method == http.MethodGet:
		return true
	}
	return false
}

// Middleware applies CORS, authenticates the caller via JWT and rate-limits
// per authenticated user (per client IP for public paths). The viewer id is
// placed on the request context for handlers.
func Middleware(cfg SecConfig, tokens *auth.JWTManager) func(http.Handler) http.Handler {
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
				w.Header().Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if publicPath(r) {
				if !limiters.Allow(clientIP(r)) {
					http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			claims, err := tokens.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				logger.Warn("token_rejected", "path", r.URL.Path, "error", err)
				return
			}

			if !limiters.Allow(claims.UserID) {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				logger.Warn("rate_limited", "user", claims.UserID, "path", r.URL.Path)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), claims.UserID)))
		})
	}
}

// bearerToken pulls the token from the Authorization header, falling back
// to the token query parameter for websocket clients, which cannot set
// headers from the browser.
func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterPool struct {
	mu  sync.Mutex
	m   map[string]*rate.Limiter
	cfg SecConfig
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 20
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 40
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
