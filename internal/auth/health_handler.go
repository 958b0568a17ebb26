// health_handler.go -- Health check handler for GET /health.
package auth

import (
	"context"
	"net/http"

	"github.com/manublog/manu/internal/web"
)

// HealthChecker pings one backing service.
// Satisfied by *store.PostgresStore and *store.RedisStore.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckHealth handles GET /health -- pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy, 503 if either is down.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{"ok", "ok"}

	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		status.Postgres = "error"
	}
	if err := h.RS.CheckHealth(r.Context()); err != nil {
		logError(r, "redis health check failed", "error", err)
		status.Redis = "error"
	}

	if status.Postgres == "error" || status.Redis == "error" {
		web.ServiceUnavailable(w, status)
		return
	}
	web.OK(w, status)
}
