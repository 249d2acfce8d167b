// Package server provides the HTTP and WebSocket surface of the gateway.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/msg-gateway/internal/auth"
	"github.com/workspace/msg-gateway/internal/config"
	"github.com/workspace/msg-gateway/internal/session"
)

// Server is the gateway's HTTP server.
type Server struct {
	config     *config.Config
	manager    *session.Manager
	validator  *auth.Validator // nil when JWKS auth is not configured
	httpServer *http.Server
	startedAt  time.Time
}

// New creates a server instance around an already-constructed manager.
func New(cfg *config.Config, manager *session.Manager) (*Server, error) {
	s := &Server{
		config:    cfg,
		manager:   manager,
		startedAt: time.Now(),
	}

	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("create JWT validator: %w", err)
		}
		s.validator = v
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays unset: WebSocket connections are long-lived and
	// http.Server's write deadline is armed before the handler hijacks the
	// conn, which would kill them.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks an origin against the allow list, supporting wildcard
// subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]

	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The wildcard part must be a single label, not a path.
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
