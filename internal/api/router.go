// Package api assembles the chi router: middleware stack, CORS, the
// ingestion/serving endpoints, and /health and /metrics, following the
// teacher's router.go layout and middleware composition.
package api

import (
	"net/http"

	"github.com/aiforge/aggregator/internal/api/handlers"
	"github.com/aiforge/aggregator/internal/api/middleware"
	"github.com/aiforge/aggregator/internal/config"
	"github.com/aiforge/aggregator/internal/registry"
	"github.com/aiforge/aggregator/internal/streamer"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP router for the aggregation server.
func NewRouter(cfg *config.Config, h *handlers.Handlers, reg *registry.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/ai", func(r chi.Router) {
		r.Post("/learn", h.Learn)
		r.Post("/upload-model", h.UploadModel)
		r.Get("/models/{version}", streamer.Handler(reg))
		r.Get("/latest-model", h.LatestModel)
		r.Get("/stats", h.Stats)
	})

	return r
}
