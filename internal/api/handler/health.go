package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is anything whose liveness can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports readiness of the durable and fast stores.
type HealthHandler struct {
	Checks  map[string]Pinger
	Timeout time.Duration
	Logger  *slog.Logger
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := make(map[string]string, len(h.Checks))
	status := http.StatusOK
	for name, pinger := range h.Checks {
		if pinger == nil {
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			if h.Logger != nil {
				h.Logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			}
			continue
		}
		checks[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}
