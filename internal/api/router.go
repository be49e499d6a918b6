package api

import (
	"encoding/json"
	"net/http"

	"github.com/halbridge/halbridge/internal/api/handlers"
	"github.com/halbridge/halbridge/internal/api/middleware"
	"github.com/halbridge/halbridge/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes. metricsHandler
// serves the Prometheus exposition at /metrics.
func NewRouter(cfg *config.Config, h *handlers.Handlers, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/utterances", h.ProcessUtterance)
		r.Post("/tool-calls", h.ProcessToolCall)

		r.Get("/capabilities", h.ListCapabilities)
		r.Get("/intents", h.ListIntents)

		r.Route("/guardrails", func(r chi.Router) {
			r.Get("/", h.ListGuardrails)
			r.Post("/check", h.CheckGuardrails)
		})

		r.Route("/results", func(r chi.Router) {
			r.Get("/", h.ListResults)
			r.Get("/{resultID}", h.GetResult)
		})

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
		})

		r.Get("/metrics/snapshot", h.MetricsSnapshot)
		r.Get("/events", h.StreamEvents)
	})

	// MCP Gateway: JSON-RPC over HTTP
	r.Post("/mcp", h.MCPEndpoint)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "halbridge",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "halbridge",
		})
	}
}
