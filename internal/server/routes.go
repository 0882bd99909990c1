package server

import (
	"log/slog"
	"net/http"

	"github.com/mkvid/commentary-api/internal/quota"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, authority *quota.Authority, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Register routes with method-based patterns (Go 1.22+)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /sessions", h.ValidateSession)
	mux.HandleFunc("POST /jobs", h.SubmitJob)
	mux.HandleFunc("GET /jobs/current", h.CurrentJob)

	// Admin routes sit behind the admin gate.
	admin := http.NewServeMux()
	admin.HandleFunc("POST /admin/codes", h.IssueCodes)
	admin.HandleFunc("GET /admin/codes", h.ListCodes)
	admin.HandleFunc("GET /admin/users", h.ListUsers)
	admin.HandleFunc("DELETE /admin/codes/{code}", h.RevokeCode)
	mux.Handle("/admin/", AdminMiddleware(authority, logger)(admin))

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
