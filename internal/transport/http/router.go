// Package httptransport assembles the HTTP surface: API routes, health
// probes, and the metrics endpoint. Business logic stays in the domain
// handlers and services.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veritrace/internal/trace/handler"
	"veritrace/pkg/platform/httputil"
	"veritrace/pkg/platform/middleware/requestid"
	"veritrace/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter wires the trace API under /api/v1 plus the operational
// endpoints. Readiness fails when any registered health check does; liveness
// only reports that the process is serving.
func NewRouter(traceHandler *handler.Handler, logger *slog.Logger, checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Route("/api/v1", func(api chi.Router) {
		traceHandler.Register(api)
	})

	r.Get("/health", handleHealth)
	r.Get("/live", handleHealth)
	r.Get("/ready", handleReady(logger, checks))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(logger *slog.Logger, checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.WarnContext(ctx, "readiness check failed",
					"dependency", c.Name,
					"error", err,
				)
				deps[c.Name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			deps[c.Name] = "ok"
		}

		body := map[string]any{"status": "ready", "dependencies": deps}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		httputil.WriteJSON(w, status, body)
	}
}
