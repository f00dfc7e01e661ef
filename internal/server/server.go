// Package server implements the read-only status HTTP API over the registry
// and the stored history. Consumers poll it; nothing is pushed.
package server

import (
	"net/http"
	"time"

	"github.com/woozymasta/zond/internal/config"
	"github.com/woozymasta/zond/internal/query"
	"github.com/woozymasta/zond/internal/registry"
	"github.com/woozymasta/zond/internal/storage"
)

// Server holds the dependencies required to answer status API requests.
type Server struct {
	// storage provides read access to the persisted fleet history.
	storage *storage.Repository

	// registry provides live fleet state (tiers, due times, in-flight counts).
	registry *registry.Registry

	// prober performs live probes for the query proxy endpoint.
	prober *query.Client

	// authToken is the bearer token required on /api endpoints.
	authToken string

	// hardLimitCount and hardLimitWin bound per-IP request rate.
	hardLimitCount int
	hardLimitWin   time.Duration

	// trustProxy enables X-Forwarded-For / CF-Connecting-IP handling.
	trustProxy bool
}

// New creates a Server instance.
func New(store *storage.Repository, reg *registry.Registry, prober *query.Client, cfg config.API) *Server {
	return &Server{
		storage:        store,
		registry:       reg,
		prober:         prober,
		authToken:      cfg.AuthToken,
		trustProxy:     cfg.TrustProxy,
		hardLimitCount: cfg.HardLimitCount,
		hardLimitWin:   cfg.HardLimitWin,
	}
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /api/status", s.protected(s.handleStatus))
	mux.Handle("GET /api/servers", s.protected(s.handleServers))
	mux.Handle("GET /api/server", s.protected(s.handleServer))
	mux.Handle("GET /api/probe", s.protected(s.handleProbe))
	mux.Handle("GET /api/rules", s.protected(s.handleRules))

	return s.LoggingMiddleware(mux)
}

// protected wraps a handler with rate limiting and bearer-token auth.
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	return s.RateLimitMiddleware(AdminAuthMiddleware(s.authToken, h))
}
