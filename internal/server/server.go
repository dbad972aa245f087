// Package server wires the router: the public verification endpoint, the
// session exchange, and the root-key-gated management surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygatehq/keygate/internal/handler"
	"github.com/keygatehq/keygate/internal/rbac"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// VerifyRatePerMinute caps unauthenticated verification attempts per
	// client IP.
	VerifyRatePerMinute int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                7070,
		ShutdownTimeout:     30 * time.Second,
		CORSOrigins:         []string{"*"},
		VerifyRatePerMinute: 600,
	}
}

// Server is the top-level HTTP server. It owns the chi router, the store,
// the verification engine, and the session issuer.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	engine     *service.Engine
	sessions   *service.Sessions
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes and middleware wired. Call
// ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, engine *service.Engine, sessions *service.Sessions, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		sessions: sessions,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	verifyHandler := handler.NewVerifyHandler(s.engine)
	authHandler := handler.NewAuthHandler(s.engine, s.sessions)
	keyHandler := handler.NewKeyHandler(s.store, s.engine)
	rbacHandler := handler.NewRBACHandler(s.store)
	rlHandler := handler.NewRatelimitHandler(s.store, s.engine)

	r.Route("/v1", func(r chi.Router) {
		// Public verification, IP rate-limited against secret brute force.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.cfg.VerifyRatePerMinute))
			r.Post("/keys.verifyKey", verifyHandler.VerifyKey)
		})

		// Session exchange authenticates with the root key it exchanges.
		r.Post("/auth.token", authHandler.Token)

		// Management surface, root-key or session-token gated. Each route
		// additionally demands the management permission for its operation.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.engine, s.sessions))

			perm := func(name string) func(http.Handler) http.Handler {
				return middleware.RequirePermission(s.engine, rbac.Literal(name))
			}

			r.With(perm(rbac.PermLimit)).Post("/ratelimits.limit", rlHandler.Limit)

			r.Route("/keys", func(r chi.Router) {
				r.With(perm(rbac.PermCreateKey)).Post("/", keyHandler.CreateKey)
				r.With(perm(rbac.PermReadKey)).Get("/", keyHandler.ListKeys)
				r.With(perm(rbac.PermReadKey)).Get("/{keyID}", keyHandler.GetKey)
				r.With(perm(rbac.PermUpdateKey)).Put("/{keyID}", keyHandler.UpdateKey)
				r.With(perm(rbac.PermDeleteKey)).Delete("/{keyID}", keyHandler.RevokeKey)
				r.With(perm(rbac.PermUpdateKey)).Post("/{keyID}/roles/{roleID}", keyHandler.AttachRole)
				r.With(perm(rbac.PermUpdateKey)).Delete("/{keyID}/roles/{roleID}", keyHandler.DetachRole)
				r.With(perm(rbac.PermUpdateKey)).Post("/{keyID}/permissions/{permissionID}", keyHandler.AttachPermission)
				r.With(perm(rbac.PermUpdateKey)).Delete("/{keyID}/permissions/{permissionID}", keyHandler.DetachPermission)
			})

			r.Route("/permissions", func(r chi.Router) {
				r.With(perm(rbac.PermCreatePermission)).Post("/", rbacHandler.CreatePermission)
				r.With(perm(rbac.PermReadPermission)).Get("/", rbacHandler.ListPermissions)
				r.With(perm(rbac.PermReadPermission)).Get("/{permissionID}", rbacHandler.GetPermission)
				r.With(perm(rbac.PermDeletePermission)).Delete("/{permissionID}", rbacHandler.DeletePermission)
			})

			r.Route("/roles", func(r chi.Router) {
				r.With(perm(rbac.PermCreateRole)).Post("/", rbacHandler.CreateRole)
				r.With(perm(rbac.PermReadRole)).Get("/", rbacHandler.ListRoles)
				r.With(perm(rbac.PermReadRole)).Get("/{roleID}", rbacHandler.GetRole)
				r.With(perm(rbac.PermDeleteRole)).Delete("/{roleID}", rbacHandler.DeleteRole)
				r.With(perm(rbac.PermUpdateRole)).Post("/{roleID}/permissions/{permissionID}", rbacHandler.AddRolePermission)
				r.With(perm(rbac.PermUpdateRole)).Delete("/{roleID}/permissions/{permissionID}", rbacHandler.RemoveRolePermission)
			})

			r.Route("/ratelimit-namespaces", func(r chi.Router) {
				r.With(perm(rbac.PermCreateNamespace)).Post("/", rlHandler.CreateNamespace)
				r.With(perm(rbac.PermReadNamespace)).Get("/", rlHandler.ListNamespaces)
				r.With(perm(rbac.PermDeleteNamespace)).Delete("/{namespaceID}", rlHandler.DeleteNamespace)
			})

			r.With(perm(rbac.PermReadOverride)).Get("/ratelimit-overrides.resolve", rlHandler.ResolveOverride)
			r.Route("/ratelimit-overrides", func(r chi.Router) {
				r.With(perm(rbac.PermCreateOverride)).Post("/", rlHandler.CreateOverride)
				r.With(perm(rbac.PermReadOverride)).Get("/", rlHandler.ListOverrides)
				r.With(perm(rbac.PermReadOverride)).Get("/{overrideID}", rlHandler.GetOverride)
				r.With(perm(rbac.PermUpdateOverride)).Put("/{overrideID}", rlHandler.UpdateOverride)
				r.With(perm(rbac.PermDeleteOverride)).Delete("/{overrideID}", rlHandler.DeleteOverride)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store answers a
// ping, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","checks":{"store":"` + err.Error() + `"}}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","checks":{"store":"ok"}}`))
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received, then drains in-flight requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
