package router

import (
	"net/http"

	"entitlements-api/internal/handler"
	"entitlements-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler            *handler.Handler
	SessionHandler     *handler.SessionHandler
	EntitlementHandler *handler.EntitlementHandler
	ValidateHandler    *handler.ValidateHandler
	WebhookHandler     *handler.WebhookHandler
	AuthMiddleware     func(http.Handler) http.Handler
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "X-Session-Token", "X-Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Idempotent-Replay"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// PUBLIC routes (no auth required)
	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check endpoints
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		// Session issuance bootstraps auth, so it stays public.
		if cfg.SessionHandler != nil {
			r.Post("/auth/session", cfg.SessionHandler.Create)
		}

		// Store notification endpoints authenticate with their own
		// per-platform shared secrets.
		if cfg.WebhookHandler != nil {
			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/apple", cfg.WebhookHandler.Apple)
				r.Post("/google", cfg.WebhookHandler.Google)
			})
		}

		// AUTHENTICATED routes
		r.Group(func(r chi.Router) {
			if cfg.AuthMiddleware != nil {
				r.Use(cfg.AuthMiddleware)
			}

			if cfg.EntitlementHandler != nil {
				r.Get("/entitlement", cfg.EntitlementHandler.Get)
				r.Post("/entitlement/sync", cfg.EntitlementHandler.Sync)
			}

			if cfg.ValidateHandler != nil {
				r.Post("/purchase/validate", cfg.ValidateHandler.Validate)
			}
		})
	})

	return r
}
