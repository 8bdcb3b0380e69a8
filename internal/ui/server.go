// Package ui serves a workspace's run history, registry and artifacts over
// HTTP, with live run notifications as server-sent events.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/megannissel/invest-routedem-tfa-range/internal/ui/notifier"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Server is the workspace HTTP server.
type Server struct {
	store        core.Store
	registryPath string
	addr         string
	logger       *slog.Logger
	notifier     *notifier.Notifier
}

// Config holds configuration for the server.
type Config struct {
	Store core.Store
	// RegistryPath is the workspace registry.yaml listing artifacts.
	RegistryPath string
	Addr         string
	Logger       *slog.Logger
	// Notifier is shared with whatever triggers runs. A nil Notifier gets
	// a private one, so events only ever carry the initial state.
	Notifier *notifier.Notifier
}

// NewServer creates a new server instance.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	n := cfg.Notifier
	if n == nil {
		n = notifier.New()
	}
	return &Server{
		store:        cfg.Store,
		registryPath: cfg.RegistryPath,
		addr:         cfg.Addr,
		logger:       logger,
		notifier:     n,
	}
}

// Notifier returns the server's notifier.
func (s *Server) Notifier() *notifier.Notifier {
	return s.notifier
}

// Handler returns the router with all routes and middleware installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
			NoColor: true,
		}),
		middleware.Recoverer,
		middleware.Compress(5),
	)
	setupRoutes(r, &handlers{
		store:        s.store,
		registryPath: s.registryPath,
		notifier:     s.notifier,
		logger:       s.logger,
	})
	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("serving workspace", slog.String("addr", "http://"+ln.Addr().String()))

	eg, egctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
