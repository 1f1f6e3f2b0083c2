package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the API router. Authentication is delegated to
// the deployment's gateway; the binary itself exposes no login surface.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/publications", func(r chi.Router) {
			r.Get("/", h.ListPublications)
			r.Post("/", h.SchedulePublication)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPublication)
				r.Get("/preflight", h.Preflight)
				r.Post("/rollback", h.Rollback)
				r.Post("/abandon", h.Abandon)
			})
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", h.ListMessages)
			r.Get("/{id}", h.GetMessage)
			r.Post("/{id}/approvals", h.RecordApproval)
		})

		r.Get("/segments/{id}", h.GetSegment)
		r.Post("/unsubscribe", h.Unsubscribe)
	})

	return r
}
