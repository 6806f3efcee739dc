// Package app wires the HTTP router and the background retention pruner.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/httpserver"
	"github.com/fairyhunter13/showdisk-qualifier/internal/adapter/observability"
	"github.com/fairyhunter13/showdisk-qualifier/internal/config"
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
		p = strings.TrimSpace(p)
		if p != "" {
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
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS is permissive: the bridge binds to loopback for a local UI.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"not found"}`))
	})

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/api/test/start", srv.StartTestHandler())
		wr.Post("/api/test/stop/{id}", srv.StopTestHandler())
		wr.Post("/api/test/stop-all", srv.StopAllHandler())
		wr.Post("/api/setup", srv.SetupHandler())
		wr.Delete("/api/background-tests/{id}", srv.CleanupBackgroundHandler())
	})

	// Read-only endpoints
	r.Get("/api/disks", srv.DisksHandler())
	r.Get("/api/status", srv.StatusHandler())
	r.Get("/api/version", srv.VersionHandler())
	r.Get("/api/validate", srv.ValidateHandler())
	r.Get("/api/test/current", srv.CurrentTestHandler())
	r.Get("/api/test/history", srv.HistoryHandler())
	r.Get("/api/test/{id}", srv.TestStatusHandler())
	r.Get("/api/background-tests", srv.BackgroundTestsHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
