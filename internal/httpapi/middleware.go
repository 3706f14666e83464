// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAdminSub  contextKey = "admin_subject"
)

// RecoveryMiddleware turns a panic in any downstream handler into a 500
// envelope instead of crashing the process, ported from the teacher's
// RecoveryMiddleware.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "an internal error occurred", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware stamps every request with an id, generating one with
// google/uuid when the caller didn't supply X-Request-ID.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORSMiddleware is the teacher's origin-allowlist CORS handler, unchanged.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "X-API-Key, Authorization, Content-Type")
					break
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMiddleware logs every mutating request through the given logger,
// which callers construct over a lumberjack.Logger for size/age-bounded
// rotation (replacing the teacher's hand-rolled AuditLogger.rotate()).
func AuditMiddleware(auditLog *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			auditLog.Info("api_action",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.String("client_ip", clientIP(r)),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RateLimitMiddleware applies a shared token-bucket limiter per API key (or
// client IP when unauthenticated), replacing the teacher's hand-rolled
// rateBucket with golang.org/x/time/rate.
func RateLimitMiddleware(perSecond float64, burst int, log *zap.Logger) func(http.Handler) http.Handler {
	limiters := newLimiterSet(perSecond, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = clientIP(r)
			}
			if !limiters.get(key).Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type limiterSet struct {
	perSecond rate.Limit
	burst     int
	mu        sync.Mutex
	byKey     map[string]*rate.Limiter
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	return &limiterSet{perSecond: rate.Limit(perSecond), burst: burst, byKey: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byKey[key]
	if !ok {
		l = rate.NewLimiter(s.perSecond, s.burst)
		s.byKey[key] = l
	}
	return l
}

// AuthMiddleware enforces the fixed-key X-API-Key header with
// constant-time comparison (spec.md §6); the health endpoint bypasses this
// middleware entirely by not being registered behind it.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware protects the admin introspection surface with a
// signed JWT, using golang-jwt/jwt/v5 in place of the teacher's hand-rolled
// HMAC-SHA256 token verification.
func AdminAuthMiddleware(secret string, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
				writeError(w, http.StatusUnauthorized, "authorization header required", nil)
				return
			}
			tokenString := authHeader[len(prefix):]

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				log.Warn("admin jwt validation failed", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid or expired token", nil)
				return
			}

			sub, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), contextKeyAdminSub, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
