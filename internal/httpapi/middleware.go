package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"memberfund.org/internal/audit"
	"memberfund.org/internal/auth"
	"memberfund.org/internal/ids"
	"memberfund.org/internal/obs"
)

const requestIDHeader = "X-Request-ID"

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestID propagates or assigns X-Request-ID and stores it for audit logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = ids.New()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), rid)))
	})
}

// Logging emits one request_complete line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", obs.RoutePattern(r)),
			zap.Int("status", sw.code),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			fields = append(fields, zap.String("actor_id", id.UserID))
		}
		obs.Logger().Info("request_complete", fields...)
	})
}

// Recoverer turns panics into 500 responses. Stack traces are only echoed
// when dev diagnostics are enabled.
func Recoverer(devDiagnostics bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				stack := string(debug.Stack())
				obs.Logger().Error("panic recovered",
					zap.String("request_id", audit.RequestIDFromContext(r.Context())),
					zap.Any("panic", rec),
					zap.String("stack", stack),
				)
				payload := map[string]any{"error": "internal error"}
				if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
					payload["request_id"] = rid
				}
				if devDiagnostics {
					payload["detail"] = fmt.Sprint(rec)
					payload["stack"] = stack
				}
				writeJSON(w, http.StatusInternalServerError, payload)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets hardening headers for a JSON-only API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes limits request body size.
func MaxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey prefers the authenticated user, then the first forwarded address.
func clientKey(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return "uid:" + id.UserID
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "ip:" + strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
