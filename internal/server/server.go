// Package server wires the coordination components behind three HTTP
// servers: the authenticated API, the probe endpoints, and the metrics
// endpoint.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/platformops/admin-coordinator/internal/audit"
	"github.com/platformops/admin-coordinator/internal/checkpoint"
	"github.com/platformops/admin-coordinator/internal/config"
	"github.com/platformops/admin-coordinator/internal/consistency"
	"github.com/platformops/admin-coordinator/internal/docstore"
	"github.com/platformops/admin-coordinator/internal/handlers"
	"github.com/platformops/admin-coordinator/internal/health"
	"github.com/platformops/admin-coordinator/internal/identity"
	"github.com/platformops/admin-coordinator/internal/lock"
	"github.com/platformops/admin-coordinator/internal/metrics"
	"github.com/platformops/admin-coordinator/internal/middleware"
	"github.com/platformops/admin-coordinator/internal/rollback"
	"github.com/platformops/admin-coordinator/internal/session"
	"github.com/platformops/admin-coordinator/internal/txn"
)

// Server manages the three HTTP servers (API, Probe, Metrics) and the
// coordination components they expose.
type Server struct {
	cfg           *config.Config
	logger        *zap.Logger
	metrics       *metrics.Metrics
	healthManager *health.Manager
	store         docstore.Store

	provider identity.Provider

	lockHandlers      *handlers.LockHandlers
	operationHandlers *handlers.OperationHandlers
	sessionHandlers   *handlers.SessionHandlers

	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server

	startTime    time.Time
	shutdownChan chan struct{}
}

// New creates a new Server instance on top of an already-open document
// store. The server owns the store lifecycle from here: Shutdown closes
// it.
func New(cfg *config.Config, logger *zap.Logger, store docstore.Store,
	buildInfo map[string]string) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		startTime:    time.Now(),
		shutdownChan: make(chan struct{}),
	}

	s.metrics = metrics.NewMetrics(cfg.MetricsNamespace, buildInfo)

	s.setupComponents()
	s.setupHealthChecks()
	s.setupServers()

	return s, nil
}

// setupComponents builds the coordination components and their HTTP
// handlers, wiring the operation metrics into each.
func (s *Server) setupComponents() {
	exec := txn.NewExecutor(s.store, s.logger,
		txn.WithMaxAttempts(s.cfg.TxnMaxAttempts),
		txn.WithRetryObserver(func(name string, retry int, err error) {
			s.metrics.TransactionRetriesTotal.WithLabelValues(name).Inc()
		}))

	auditor := audit.NewRecorder(s.store, s.logger,
		audit.WithObserver(s.metrics.AuditEntriesTotal.Inc))

	locks := lock.NewManager(s.store, s.logger,
		lock.WithBackoffBounds(s.cfg.LockBackoffMin, s.cfg.LockBackoffMax))
	checkpoints := checkpoint.NewStore(s.store, exec, s.logger)
	rollbacks := rollback.NewManager(s.store, exec, s.logger)
	validator := consistency.NewValidator(s.store, s.logger)

	s.provider = identity.NewStoreProvider(s.store)
	sessions := session.NewManager(s.store, exec, s.provider, auditor, s.logger)

	s.lockHandlers = handlers.NewLockHandlers(locks, s.logger, s.metrics,
		s.cfg.LockDefaultTTL, s.cfg.LockMaxWaitCap)
	s.operationHandlers = handlers.NewOperationHandlers(checkpoints, rollbacks,
		validator, auditor, s.logger, s.metrics, s.cfg.CheckpointRetention)
	s.sessionHandlers = handlers.NewSessionHandlers(sessions, s.logger, s.metrics,
		s.cfg.SessionDefaultEstimateMinutes)
}

// setupHealthChecks registers the health checkers.
func (s *Server) setupHealthChecks() {
	s.healthManager = health.NewManager(s.logger,
		s.cfg.HealthCheckCacheDuration, s.cfg.HealthCheckTimeout)
	s.healthManager.RegisterChecker(health.NewStoreChecker(s.logger, s.store))
	s.healthManager.RegisterChecker(health.NewServerChecker(s.logger))
	s.healthManager.RegisterChecker(health.NewReadinessChecker(s.logger))
}

// setupServers configures the three HTTP servers.
func (s *Server) setupServers() {
	s.apiServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler:      s.setupAPIRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSEnabled {
		s.apiServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	s.probeServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ProbeHost, s.cfg.ProbePort),
		Handler:      s.setupProbeRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.MetricsHost, s.cfg.MetricsPort),
		Handler:      s.setupMetricsRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// setupAPIRouter creates the API server router with middleware.
func (s *Server) setupAPIRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.LoggingMiddleware(s.logger, "api"))
	r.Use(middleware.RecovererMiddleware(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics, s.logger))

	s.setupAPIRoutes(r)

	return r
}

// setupProbeRouter creates the probe server router.
func (s *Server) setupProbeRouter() *chi.Mux {
	r := chi.NewRouter()

	s.setupProbeRoutes(r)

	return r
}

// setupMetricsRouter creates the metrics server router.
func (s *Server) setupMetricsRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(),
		promhttp.HandlerOpts{}))

	return r
}

// Start starts all three HTTP servers.
func (s *Server) Start() error {
	errChan := make(chan error, 3)

	go func() {
		s.logger.Info("Starting API server", zap.String("addr", s.apiServer.Addr))

		var err error
		if s.cfg.TLSEnabled {
			err = s.apiServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.apiServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	go func() {
		s.logger.Info("Starting probe server", zap.String("addr", s.probeServer.Addr))

		if err := s.probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("probe server error: %w", err)
		}
	}()

	go func() {
		s.logger.Info("Starting metrics server", zap.String("addr", s.metricsServer.Addr))

		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Wait a bit to see if any server fails to start
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errChan:
		return err
	default:
		s.healthManager.SetServersRunning(true)
		go s.updateUptime()
		return nil
	}
}

// updateUptime updates the uptime and runtime metrics periodically.
func (s *Server) updateUptime() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.metrics.AppUptimeSeconds.Add(1)
			s.metrics.UpdateRuntimeMetrics()
		case <-s.shutdownChan:
			return
		}
	}
}

// Shutdown gracefully shuts down all servers and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")

	s.healthManager.SetShuttingDown(true)
	close(s.shutdownChan)

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// Shutdown API server first
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down API server")
		if err := s.apiServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("API server shutdown error: %w", err)
		}
	}()

	// Shutdown metrics server second
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("metrics server shutdown error: %w", err)
		}
	}()

	// Shutdown probe server last
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down probe server")
		if err := s.probeServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("probe server shutdown error: %w", err)
		}
	}()

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}

	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("store shutdown error: %w", err)
	}

	s.logger.Info("All servers shut down successfully")
	return nil
}

// WaitForServers waits for all servers to be ready.
func (s *Server) WaitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if s.checkServer(s.apiServer.Addr) &&
			s.checkServer(s.probeServer.Addr) &&
			s.checkServer(s.metricsServer.Addr) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("servers did not become ready within %s", timeout)
}

// checkServer checks if a server is listening on the given address.
func (s *Server) checkServer(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
