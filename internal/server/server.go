// Package server wires configuration, storage, the upstream client and the
// handlers into one HTTP server.
//
// The listener starts before the database is reachable. The store is
// connected in the background and published through a repository.Handle;
// until then every data route answers with a storage error and /healthz
// reports 503.
//
// COMPOSITION ROOT:
// This is the one place where concrete types meet. Everything below it only
// sees interfaces:
//
//	config.Config
//	  → OpenStore (sqlite.DB or mongodb.Store) → repository.Handle
//	  → upstream.Client
//	  → service.UserService(Handle, Client)
//	  → handler.UserHandler(UserService)
//	  → chi routes
//
// Tests build a Server with a SQLite ":memory:" config and drive Handler()
// through httptest, without opening a port.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/userfeed/internal/config"
	"github.com/sakif/userfeed/internal/handler"
	"github.com/sakif/userfeed/internal/metrics"
	"github.com/sakif/userfeed/internal/middleware"
	"github.com/sakif/userfeed/internal/repository"
	"github.com/sakif/userfeed/internal/repository/mongodb"
	"github.com/sakif/userfeed/internal/repository/sqlite"
	"github.com/sakif/userfeed/internal/service"
	"github.com/sakif/userfeed/internal/upstream"
)

const (
	shutdownTimeout = 30 * time.Second
	connectRetry    = 5 * time.Second
)

// Opener connects to the configured store.
type Opener func(ctx context.Context) (repository.Store, error)

// OpenStore returns the Opener for cfg.Store.
func OpenStore(cfg *config.Config) Opener {
	return func(ctx context.Context) (repository.Store, error) {
		switch cfg.Store {
		case config.StoreSQLite:
			if cfg.SQLitePath != ":memory:" {
				if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
					return nil, fmt.Errorf("creating database directory: %w", err)
				}
			}
			db, err := sqlite.New(cfg.SQLitePath, cfg.StoreTimeout)
			if err != nil {
				return nil, err
			}
			return db, nil
		case config.StoreMongo:
			store, err := mongodb.New(ctx, mongodb.Config{
				URI:          cfg.MongoURI,
				Database:     cfg.MongoDatabase,
				Transactions: cfg.MongoTransactions,
				Timeout:      cfg.StoreTimeout,
			})
			if err != nil {
				return nil, err
			}
			return store, nil
		}
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// NewUserService builds the user workflows on top of stores, fetching seed
// data from cfg.UpstreamURL.
func NewUserService(cfg *config.Config, stores service.StoreProvider, logger *slog.Logger, m *metrics.Metrics) *service.UserService {
	fetcher := upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout, logger, upstream.WithMetrics(m))
	return service.NewUserService(stores, fetcher, logger,
		service.WithSeedMode(cfg.SeedMode),
		service.WithMetrics(m),
	)
}

// Option customises a Server.
type Option func(*Server)

// WithOpener replaces the store opener derived from the config.
func WithOpener(o Opener) Option {
	return func(s *Server) { s.open = o }
}

type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	handle   *repository.Handle
	open     Opener
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		handle:   repository.NewHandle(),
		open:     OpenStore(cfg),
		registry: reg,
		metrics:  metrics.New(reg),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes registers middleware and routes:
//
//	GET    /                 greeting
//	GET    /healthz          readiness
//	GET    /metrics          Prometheus exposition
//	GET    /load             seed from upstream
//	DELETE /users            delete everything
//	DELETE /users/{userId}   cascade delete one user
//	GET    /users/{userId}   user with posts and comments
//	PUT    /users            create one user
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))

	health := handler.NewHealthHandler(s.handle, s.logger)
	s.router.Get("/", health.HandleHome)
	s.router.Get("/healthz", health.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	users := handler.NewUserHandler(NewUserService(s.config, s.handle, s.logger, s.metrics), s.logger)
	s.router.Get("/load", users.HandleLoad)
	s.router.Route("/users", func(r chi.Router) {
		r.Put("/", users.HandleCreate)
		r.Delete("/", users.HandleDeleteAll)
		r.Get("/{userId}", users.HandleGet)
		r.Delete("/{userId}", users.HandleDelete)
	})
}

// Connect opens the store, retrying until it succeeds or ctx is done, and
// publishes it to the handlers.
func (s *Server) Connect(ctx context.Context) error {
	for {
		store, err := s.open(ctx)
		if err == nil {
			if ctx.Err() != nil {
				store.Close(context.Background())
				return ctx.Err()
			}
			if !s.handle.Set(store) {
				store.Close(context.Background())
			}
			s.logger.Info("database connected", slog.String("store", s.config.Store))
			return nil
		}

		s.logger.Error("database connection failed",
			slog.String("store", s.config.Store),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", connectRetry),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectRetry):
		}
	}
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully and
// closes the store.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A full seed makes one upstream request per post.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	connectCtx, stopConnect := context.WithCancel(ctx)
	defer stopConnect()
	go s.Connect(connectCtx)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("store", s.config.Store),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		} else {
			s.logger.Info("server stopped gracefully")
		}
	}

	stopConnect()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.handle.Close(closeCtx); err != nil {
		s.logger.Error("closing database", slog.String("error", err.Error()))
	}
	return runErr
}
