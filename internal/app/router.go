// Package app wires configuration, adapters, and usecases into a runnable
// HTTP surface.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/distbuild/internal/adapter/httpserver"
	"github.com/fairyhunter13/distbuild/internal/adapter/observability"
	"github.com/fairyhunter13/distbuild/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Consumer API. The WebSocket route stays outside TimeoutMiddleware so
	// long-lived streams are not cut off by the request deadline.
	r.Group(func(cr chi.Router) {
		cr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		cr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.With(srv.ConsumerAuth).Post("/v1/jobs", srv.SubmitJobHandler())
		})
		cr.With(srv.ConsumerAuth).Get("/v1/jobs", srv.ListJobsHandler())
		cr.With(srv.ConsumerAuth).Get("/v1/jobs/{id}", srv.GetJobHandler())
		cr.With(srv.ConsumerAuth).Get("/v1/jobs/{id}/logs", srv.GetJobLogsHandler())
	})
	r.Get("/v1/jobs/{id}/logs/ws", srv.JobLogsWSHandler())

	// Worker protocol.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Use(srv.WorkerAuth)
		wr.Post("/v1/worker/claim", srv.ClaimHandler())
		wr.Post("/v1/worker/jobs/{id}/logs", srv.AppendLogsHandler())
		wr.Post("/v1/worker/jobs/{id}/finish", srv.FinishHandler())
	})

	// Health and metrics.
	r.Get("/healthz", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
