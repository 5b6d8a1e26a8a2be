package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/mailflowd/mailflow/internal/logging"
	"github.com/mailflowd/mailflow/internal/message"
)

type contextKey string

const (
	roleContextKey  contextKey = "role"
	actorContextKey contextKey = "actor"
)

// callerRole returns the role the auth middleware resolved for this
// request. Unauthenticated requests act as plain senders.
func callerRole(r *http.Request) message.Role {
	if role, ok := r.Context().Value(roleContextKey).(message.Role); ok {
		return role
	}
	return message.RoleSender
}

func callerActor(r *http.Request) string {
	if actor, ok := r.Context().Value(actorContextKey).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
}

// authMiddleware resolves the caller's role from the Authorization
// header. API keys are bcrypt-hashed in the configuration; a matching
// key grants the operator role under the key's name. Requests without
// a valid key are not refused here, they simply keep the sender role
// and the per-route availability checks apply.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token != "" {
			for name, hash := range s.apiKeys {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
					ctx := context.WithValue(r.Context(), roleContextKey, message.RoleOperator)
					ctx = context.WithValue(ctx, actorContextKey, name)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			s.logger.Warn("Rejected API key", "remote", clientIP(r), "path", logging.Sanitize(r.URL.Path))
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// loggingMiddleware logs one line per request with the outcome status
// and elapsed time.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("Request",
			"method", r.Method,
			"path", logging.Sanitize(r.URL.Path),
			"status", sw.status,
			"remote", clientIP(r),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// rateLimiter tracks one token bucket per client IP. The map is
// cleared when it grows past maxLimiterEntries; well-behaved clients
// just get a fresh bucket.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	logger   *slog.Logger
}

const maxLimiterEntries = 1000

func newRateLimiter(rps float64, burst int, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

func (l *rateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[ip]; ok {
		return lim
	}
	if len(l.limiters) >= maxLimiterEntries {
		l.limiters = make(map[string]*rate.Limiter)
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.limiters[ip] = lim
	return lim
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.limiterFor(ip).Allow() {
			l.logger.Warn("Rate limit exceeded", "remote", ip)
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
