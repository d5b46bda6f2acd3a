package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mindweave/mindweave/ai-core/internal/api/handlers"
	"github.com/mindweave/mindweave/ai-core/internal/api/middleware"
	"github.com/mindweave/mindweave/ai-core/internal/config"
	"github.com/mindweave/mindweave/ai-core/internal/orchestrator"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, o *orchestrator.Orchestrator) http.Handler {
	h := handlers.New(o)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1/ai", func(r chi.Router) {
		r.Post("/initialize", h.Initialize)
		r.Put("/config", h.UpdateConfig)
		r.Put("/preferences", h.UpdatePreferences)
		r.Post("/presets/{presetName}", h.ApplyPreset)

		r.Post("/generate", h.Generate)
		r.Post("/generate/stream", h.GenerateStream)
		r.Post("/cancel", h.Cancel)

		r.Get("/status", h.Status)
		r.Get("/usage", h.Usage)
		r.Get("/model", h.SelectModel)
		r.Get("/events", h.Events)
		r.Delete("/error", h.ClearError)
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": cfg.Version})
	}
}
