package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/api/middleware"
	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/handlers"
)

// maxBodyBytes leaves room for an inline image data URL.
const maxBodyBytes = 2 << 20

// NewRouter creates and configures the HTTP router. Operator routes, which
// expose or erase user sessions, go through auth.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, counter middleware.Counter, rlCfg middleware.RateLimiterConfig, auth *middleware.OperatorAuth) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(counter, logger, rlCfg)
	r.Use(limiter.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", crypto.HeaderTimestamp, crypto.HeaderNonce, crypto.HeaderSignature},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Post("/inbound", h.Inbound)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireSignature)

		r.Delete("/chats", h.ClearChats)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/session", h.Session)
			r.Put("/draft", h.PutDraft)
			r.Delete("/draft", h.DeleteDraft)
		})
	})

	return r
}
