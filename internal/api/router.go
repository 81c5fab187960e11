package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentserver/agentserver/internal/api/handlers"
	"github.com/agentserver/agentserver/internal/api/middleware"
	"github.com/agentserver/agentserver/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys, cfg.Auth.AdminKeys)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.UserExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/notifications", h.PendingNotifications)

		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", h.ListDefinitions)
			r.Post("/", h.CreateDefinition)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetDefinition)
				r.Put("/", h.UpdateDefinition)
				r.Delete("/", h.DeleteDefinition)
			})
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.ListInstances)
			r.Post("/", h.CreateInstance)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetInstance)
				r.Put("/", h.UpdateInstance)
				r.Delete("/", h.DeleteInstance)
				r.Get("/output", h.InstanceOutput)
				r.Post("/run_script/{fn}", h.RunScript)
				r.Post("/dismiss_exception", h.DismissException)
				r.Post("/reload", h.ReloadInstance)

				r.Route("/notifications", func(r chi.Router) {
					r.Get("/", h.ListNotifications)
					r.Get("/{notification}", h.GetNotification)
					r.Post("/{notification}", h.RespondNotification)
				})
			})
		})

		r.Route("/access", func(r chi.Router) {
			r.Get("/", h.ListAccessTables)
			r.Route("/{kind}", func(r chi.Router) {
				r.Get("/", h.GetAccessTable)
				r.Put("/", h.SetAccessTable)
				r.Delete("/", h.DeleteAccessTable)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/scheduler", h.SchedulerState)
			r.Post("/scheduler/pause", h.PauseScheduler)
			r.Post("/scheduler/resume", h.ResumeScheduler)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentserver",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentserver",
		})
	}
}
