package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health responds with 200 while every dependency answers, and 503 with the
// failing dependency names otherwise. Dependencies are checked with a short
// timeout so a hung database cannot stall the health check.
func Health(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failing := map[string]string{}
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				failing[name] = err.Error()
			}
		}

		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		status := http.StatusOK
		if len(failing) > 0 {
			payload["status"] = "degraded"
			payload["failing"] = failing
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, payload)
	}
}
