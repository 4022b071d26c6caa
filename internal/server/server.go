// Package server runs the fulltext HTTP API.
//
//	@title			fulltext API
//	@version		1.0
//	@description	On-demand OCR full texts for METS documents shown in the DFG-Viewer.
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/fulltext/internal/config"
	"github.com/jackzampolin/fulltext/internal/engine"
	"github.com/jackzampolin/fulltext/internal/home"
	"github.com/jackzampolin/fulltext/internal/jobcfg"
	"github.com/jackzampolin/fulltext/internal/jobs"
	"github.com/jackzampolin/fulltext/internal/metrics"
	"github.com/jackzampolin/fulltext/internal/svcctx"
)

// Server is the fulltext HTTP server.
// It owns the generator built from configuration and rebuilds it when the
// configuration file changes.
type Server struct {
	httpServer *http.Server
	configMgr  *config.Manager
	builder    *jobcfg.Builder
	jobs       *jobs.Tracker
	metrics    *metrics.Metrics
	docker     *engine.DockerExecutor
	home       *home.Dir
	logger     *slog.Logger

	// services holds all core services for context enrichment. It is
	// swapped as a whole on reload.
	services atomic.Pointer[svcctx.Services]

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host and Port override server.host and server.port.
	Host string
	Port string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	Home          *home.Dir
	// Container runs containerized engines. When nil, a Docker executor is
	// created if docker.enabled is set.
	Container engine.Executor
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
//
// A configuration from which no generator can be built leaves the server
// running but not ready: full-text endpoints answer 503 until a valid
// configuration is loaded.
func New(cfg Config) (*Server, error) {
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	current := cfg.ConfigManager.Get()
	if cfg.Host == "" {
		cfg.Host = current.Server.Host
	}
	if cfg.Port == "" {
		cfg.Port = current.Server.Port
	}

	s := &Server{
		configMgr: cfg.ConfigManager,
		jobs:      jobs.NewTracker(jobs.DefaultRetain, cfg.Logger),
		metrics:   cfg.Metrics,
		home:      cfg.Home,
		logger:    cfg.Logger,
	}

	container := cfg.Container
	if container == nil {
		docker, err := jobcfg.NewContainerExecutor(current.Docker, cfg.Logger)
		if err != nil {
			cfg.Logger.Warn("docker unavailable, containerized engines will fail to start", "error", err)
		} else if docker != nil {
			s.docker = docker
			container = docker
		}
	}
	s.builder = &jobcfg.Builder{Metrics: cfg.Metrics, Container: container, Logger: cfg.Logger}

	s.reload(current)
	cfg.ConfigManager.OnChange(func(c *config.Config) {
		s.reload(c)
	})
	s.metrics.RegisterLocksHeld(s.locksHeld)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.withServices(s.routes()),
		ReadTimeout: 30 * time.Second,
		// No write timeout: a page request with wait holds the response
		// for up to the job timeout.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// reload rebuilds the generator from c. On failure the services keep no
// generator, so stale settings are never served.
func (s *Server) reload(c *config.Config) {
	services := &svcctx.Services{
		Jobs:    s.jobs,
		Config:  s.configMgr,
		Metrics: s.metrics,
		Logger:  s.logger,
		Home:    s.home,
	}
	stack, err := s.builder.Build(c)
	if err != nil {
		s.logger.Error("failed to build generator from config", "error", err)
	} else {
		services.Generator = stack.Generator
		services.Loader = stack.Loader
		s.logger.Info("generator ready",
			"storage_root", c.Fulltext.StorageRoot,
			"engines", len(stack.Generator.Catalog().All()),
			"default_engine", stack.Generator.Catalog().Default(),
			"max_concurrent_jobs", c.Fulltext.MaxConcurrentJobs)
	}
	s.services.Store(services)
}

func (s *Server) locksHeld() (int, error) {
	gen := s.services.Load().Generator
	if gen == nil {
		return 0, errors.New("generator not initialized")
	}
	return gen.Locks().Count()
}

// Start starts the server.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.configMgr.ConfigFile() != "" {
		s.configMgr.WatchConfig()
		s.logger.Info("watching config file", "file", s.configMgr.ConfigFile())
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown stops accepting requests, then cancels background requests.
// Engine runs already started finish on their own; their locks are released
// when they do.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := s.jobs.Close(shutdownCtx); err != nil {
		s.logger.Warn("background requests still running at shutdown", "active", s.jobs.ActiveJobs(), "error", err)
	}
	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Error("docker client close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Services returns the services currently attached to requests.
func (s *Server) Services() *svcctx.Services {
	return s.services.Load()
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := svcctx.WithServices(r.Context(), s.services.Load())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures a generator is available.
// Returns 503 Service Unavailable until one has been built.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcctx.GeneratorFrom(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"generator not initialized"}`))
			return
		}
		next(w, r)
	}
}
