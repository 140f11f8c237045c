package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/omniscope/controlplane/internal/apperr"
	"github.com/omniscope/controlplane/internal/httpserver"
	"github.com/omniscope/controlplane/pkg/auth"
)

// RateLimitConfig is the per-user per-endpoint bucket; buckets live in
// the KV cache as expiring windows.
type RateLimitConfig struct {
	Burst  int
	Window time.Duration
}

// RateLimit enforces a Redis-backed fixed window per (caller, endpoint).
// Callers are keyed by user ID once authenticated, by client IP before.
// Redis being down fails open: availability of the API wins over precise
// throttling, and the login limiter inside pkg/auth still guards the one
// genuinely abuse-sensitive endpoint.
func RateLimit(rdb *redis.Client, cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := httpserver.ClientIP(r)
			if identity := auth.FromContext(r.Context()); identity != nil {
				subject = identity.UserID.String()
			}

			endpoint := r.URL.Path
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}

			key := fmt.Sprintf("api_ratelimit:%s:%s %s", subject, r.Method, endpoint)
			pipe := rdb.Pipeline()
			incr := pipe.Incr(r.Context(), key)
			if _, err := pipe.Exec(r.Context()); err != nil {
				logger.Warn("rate limit check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			// Only the first request of a window sets its expiry.
			if incr.Val() == 1 {
				rdb.Expire(r.Context(), key, cfg.Window)
			}

			if incr.Val() > int64(cfg.Burst) {
				httpserver.RespondAppError(w, apperr.New(apperr.RateLimited, "rate limit exceeded, slow down"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
