// Package api is the engine's HTTP surface: the authenticated v1 API,
// tracking endpoints, the SES callback and operational routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bittucreator/unosend-sub001/internal/config"
	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/bittucreator/unosend-sub001/internal/service/broadcast"
	"github.com/bittucreator/unosend-sub001/internal/service/sending"
	"github.com/go-chi/chi/v5"
)

// EmailService is the send path behind /api/v1/emails.
type EmailService interface {
	Send(ctx context.Context, orgID string, in sending.SendInput) (*domain.Email, error)
	SendBatch(ctx context.Context, orgID string, inputs []sending.SendInput) ([]sending.BatchResult, error)
	Get(ctx context.Context, orgID, id string) (*domain.Email, error)
}

// BroadcastService is the campaign control surface behind /api/v1/broadcasts.
type BroadcastService interface {
	Get(ctx context.Context, orgID, id string) (*domain.Broadcast, error)
	Trigger(ctx context.Context, orgID, id string) (*broadcast.TriggerResult, error)
	Schedule(ctx context.Context, orgID, id string, at time.Time) (*domain.Broadcast, error)
	Cancel(ctx context.Context, orgID, id string) (*domain.Broadcast, error)
	Fail(ctx context.Context, orgID, id, reason string) (*domain.Broadcast, error)
}

// Deps are the collaborators mounted by SetupRoutes. Auth is required for
// the v1 API; a nil RateLimit, Tracking or SES leaves that part unmounted.
type Deps struct {
	Emails     EmailService
	Broadcasts BroadcastService
	Auth       Middleware
	RateLimit  Middleware
	Tracking   Mounter
	SES        *SESWebhook
	Health     *HealthChecker
}

// Middleware is anything that wraps a handler, such as auth.Validator.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// Mounter registers its own routes, such as tracking.Handler.
type Mounter interface {
	Mount(r chi.Router)
}

// Server owns the http.Server for the API process.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer builds the router from deps.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(deps, cfg.AllowedOrigins),
	}
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:    s.config.Addr(),
		Handler: s.handler,
		// bodies carry base64 attachments up to the decode limit
		ReadTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
