package ratelimit

import (
	"log/slog"
	"net/http"

	"redaction-pipeline/internal/telemetry"
)

// Middleware rejects requests with 429 once the caller identified by keyFn
// has spent its bucket. Limiter errors let the request through.
func Middleware(l Limiter, keyFn func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, _, err := l.Allow(r.Context(), keyFn(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
