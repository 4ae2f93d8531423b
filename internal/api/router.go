package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or Authorization: Bearer <key>.
	// If empty, auth middleware is skipped (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string

	// SweepSecret is the bearer credential for /v1/sweep.
	SweepSecret string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Owner-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	h.upgrader.CheckOrigin = originChecker(allowedOrigins)

	// Health check, public
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		// Sweep: batch entry point, no user context
		r.Group(func(r chi.Router) {
			r.Use(SharedSecretAuth(cfg.SweepSecret))
			r.Post("/sweep", h.RunSweep)
			r.Get("/sweep", h.DryRunSweep)
		})

		r.Group(func(r chi.Router) {
			if cfg.BackendAPIKey != "" {
				r.Use(APIKeyAuth(cfg.BackendAPIKey))
			}
			r.Use(RequireOwner)

			// Videos
			r.Post("/videos", h.CreateVideo)
			r.Get("/videos", h.ListVideos)
			r.Get("/videos/{id}", h.GetVideo)
			r.Delete("/videos/{id}", h.DeleteVideo)
			r.Get("/videos/{id}/status", h.GetVideoStatus)
			r.Get("/videos/{id}/ws", h.StreamVideoStatus)

			// Scenes
			r.Put("/videos/{id}/scenes/order", h.ReorderScenes)
			r.Patch("/videos/{id}/scenes/{sceneId}", h.UpdateScene)
			r.Delete("/videos/{id}/scenes/{sceneId}", h.DeleteScene)
			r.Post("/videos/{id}/scenes/{sceneId}/regenerate", h.RegenerateScene)

			// Composition and planning
			r.Post("/compose", h.Compose)
			r.Post("/plan", h.Plan)
		})
	})

	return r
}
