package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
)

// RequestIDFrom returns the request id set by RequestID.
func RequestIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey).(string)
	return s
}

// UserIDFrom returns the authenticated user id set by Auth.
func UserIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(userIDKey).(string)
	return s
}

// RequestID propagates X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(wire.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(wire.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// AccessLog logs each request and records it in m.
func AccessLog(log logging.Logger, m *metrics.HTTP) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			m.InFlight(1)
			defer m.InFlight(-1)

			next.ServeHTTP(rw, r)

			d := time.Since(start)
			route := routeTemplate(r)
			m.Observe(r.Method, route, rw.statusCode, d)
			log.Info(r.Context(), "HTTP request",
				"method", r.Method,
				"route", route,
				"status", rw.statusCode,
				"duration", d,
				"request_id", RequestIDFrom(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Recovery turns a panic into a 500 response.
func Recovery(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.Error(r.Context(), "panic recovered",
						"error", p,
						"request_id", RequestIDFrom(r.Context()),
						"path", r.URL.Path,
					)
					writeErrorBody(w, http.StatusInternalServerError, wire.ErrorBody{Error: wire.CodeInternal, Message: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	UserIDFromAccessToken(token string) (string, error)
}

// Auth rejects requests without a valid bearer token and stores the user id
// in the request context.
func Auth(v TokenVerifier, log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeErrorBody(w, http.StatusUnauthorized, wire.ErrorBody{Error: wire.CodeUnauthorized, Message: "missing bearer token"})
				return
			}
			userID, err := v.UserIDFromAccessToken(token)
			if err != nil {
				writeError(log, w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// RateLimiter keeps one token bucket per client, keyed by user id when
// authenticated and by remote address otherwise.
type RateLimiter struct {
	limit rate.Limit
	burst int
	log   logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(requestsPerSecond float64, burst int, log logging.Logger) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Limit applies the per-client budget.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := UserIDFrom(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		if !rl.limiter(key).Allow() {
			rl.log.Warn(r.Context(), "rate limit exceeded",
				"request_id", RequestIDFrom(r.Context()),
				"path", r.URL.Path,
				"client", key,
			)
			w.Header().Set("Retry-After", "1")
			writeErrorBody(w, http.StatusTooManyRequests, wire.ErrorBody{Error: wire.CodeRateLimited, Message: "rate limit exceeded"})
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

// Chain applies middlewares so the first one is outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// responseWriter captures the status code. It forwards Hijack so websocket
// upgrades pass through.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
