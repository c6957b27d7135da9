package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Feedback ingress (webhooks push here).
		r.Post("/feedback/stage-change", h.StageChange)
		r.Post("/feedback/metric-update", h.MetricUpdate)
		r.Post("/touch-points", h.RecordTouchPoint)
		r.Post("/creative/register-winner", h.RegisterWinner)

		// Ad registry.
		r.Post("/ads", h.UpsertAd)

		// Tenant configuration.
		r.Put("/tenants/{tenantID}/stage-config", h.PutStageConfig)

		// Read side.
		r.Get("/recommendations", h.ListRecommendations)
		r.Get("/changes", h.ListChanges)
		r.Get("/history", h.ListHistory)
		r.Get("/winners/similar", h.SimilarWinners)
	})

	return r
}
