package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bittucreator/unosend-sub001/internal/metrics"
	"github.com/bittucreator/unosend-sub001/internal/pkg/logger"
)

// SetupRoutes configures all routes. Tracking, unsubscribe and the SES
// callback are public; everything under /api/v1 needs an API key.
func SetupRoutes(deps Deps, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(accessLog)

	health := deps.Health
	if health == nil {
		health = NewHealthChecker(nil, nil)
	}
	r.Get("/health", health.HandleHealth)
	r.Get("/health/live", health.HandleLiveness)
	r.Get("/health/ready", health.HandleReadiness)
	r.Handle("/metrics", metrics.Handler())

	if deps.Tracking != nil {
		deps.Tracking.Mount(r)
	}
	if deps.SES != nil {
		r.Post("/webhooks/ses", deps.SES.Handle)
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			MaxAge:         300,
		}))
		r.Use(deps.Auth.Middleware)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Middleware)
		}

		if deps.Emails != nil {
			h := &emailHandlers{svc: deps.Emails}
			r.Post("/emails", h.send)
			r.Post("/emails/batch", h.sendBatch)
			r.Get("/emails/{id}", h.get)
		}

		if deps.Broadcasts != nil {
			h := &broadcastHandlers{svc: deps.Broadcasts}
			r.Get("/broadcasts/{id}", h.get)
			r.Post("/broadcasts/{id}/send", h.send)
			r.Post("/broadcasts/{id}/schedule", h.schedule)
			r.Post("/broadcasts/{id}/cancel", h.cancel)
			r.Post("/broadcasts/{id}/fail", h.fail)
		}
	})

	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("http request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
