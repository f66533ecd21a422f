/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/scopes/*         Scope registration
  /api/plants/*         Plants and their harvests
  /api/harvests/*       Harvest weights and status
  /api/patients/*       Patient management
  /api/distributions/*  Hand-outs to patients
  /api/extracts/*       Derived products
  /api/audit            Audit trail queries
  /api/{type}/{id}      Deletion under compliance rules

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/scopes", func(r chi.Router) {
			r.Post("/", h.CreateScope)
			r.Get("/{id}", h.GetScope)
		})

		r.Route("/plants", func(r chi.Router) {
			r.Post("/", h.CreatePlant)
			r.Get("/{id}", h.GetPlant)
			r.Put("/{id}", h.UpdatePlant)
			r.Post("/{id}/harvests", h.CreateHarvest)
		})

		r.Route("/harvests", func(r chi.Router) {
			r.Get("/{id}", h.GetHarvest)
			r.Put("/{id}", h.UpdateHarvest)
			r.Post("/{id}/weights", h.RecordWeight)
			r.Post("/{id}/status", h.OverrideStatus)
		})

		r.Route("/patients", func(r chi.Router) {
			r.Post("/", h.CreatePatient)
			r.Get("/{id}", h.GetPatient)
			r.Put("/{id}", h.UpdatePatient)
		})

		r.Route("/distributions", func(r chi.Router) {
			r.Post("/", h.CreateDistribution)
			r.Get("/{id}", h.GetDistribution)
		})

		r.Route("/extracts", func(r chi.Router) {
			r.Post("/", h.CreateExtract)
			r.Get("/{id}", h.GetExtract)
		})

		r.Get("/audit", h.QueryAudit)

		// Deletion is routed by entity type so the compliance rules live
		// in one place behind a single dispatch.
		r.Delete("/{type}/{id}", h.DeleteEntity)
	})

	return r
}
