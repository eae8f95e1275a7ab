// Package server wires the WatchTower HTTP surface: the server registry
// API, action dispatch, the WebSocket push channel, the action history, and
// the collaborator endpoints (fund eligibility, key-value browser).
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"watchtower-go/internal/config"
	"watchtower-go/internal/engine"
	"watchtower-go/internal/events"
	"watchtower-go/internal/funds"
	"watchtower-go/internal/index"
	"watchtower-go/internal/kvstore"
	"watchtower-go/internal/logs"
	"watchtower-go/internal/registry"
	"watchtower-go/internal/shutdown"
	"watchtower-go/internal/storage"
)

// Status represents the current status of the daemon
type Status struct {
	Phase       string    `json:"phase"` // Starting, Ready, Stopping
	Message     string    `json:"message"`
	Servers     int       `json:"servers"`
	Clients     int       `json:"clients"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Server wraps the WatchTower daemon with all its dependencies
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	registry *registry.Registry
	engine   *engine.Engine
	eventBus *events.Bus

	storageManager *storage.Manager
	indexManager   *index.Manager
	wsManager      *WebSocketManager

	fundsEvaluator *funds.Evaluator
	kvBrowser      *kvstore.Browser

	coordinator *shutdown.Coordinator

	httpServer *http.Server
	running    bool
	mu         sync.RWMutex

	status   Status
	statusMu sync.RWMutex
}

// NewServer creates a new server instance and wires every component.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	sugar := logger.Sugar()

	reg, err := registry.NewFromConfig(cfg.Servers, sugar.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to build server registry: %w", err)
	}

	eventBus := events.NewBus()

	storageManager, err := storage.NewManager(cfg.DataDir, sugar.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage manager: %w", err)
	}

	indexManager, err := index.NewManager(cfg.DataDir, logger.Named("index"))
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize index manager: %w", err)
	}

	eng := engine.New(reg, eventBus, cfg.ActionDelay.Duration(), sugar.Named("engine"))

	s := &Server{
		config:         cfg,
		logger:         logger,
		registry:       reg,
		engine:         eng,
		eventBus:       eventBus,
		storageManager: storageManager,
		indexManager:   indexManager,
		fundsEvaluator: funds.NewEvaluator(cfg.Environments, sugar.Named("funds")),
		kvBrowser:      kvstore.NewBrowser(cfg.Environments, sugar.Named("kvstore")),
		status: Status{
			Phase:   "Starting",
			Message: "Initializing",
		},
	}

	// Audit consumers listen before any action can be dispatched
	storageManager.Start(eventBus)
	indexManager.Start(eventBus)

	s.wsManager = NewWebSocketManager(eventBus, sugar.Named("websocket"))

	s.coordinator = shutdown.NewCoordinator(logger)
	s.coordinator.RegisterFunc("http-listener", shutdown.PhaseConnections, func(context.Context) error {
		if s.IsRunning() {
			return s.shutdownHTTP()
		}
		return nil
	})
	s.coordinator.RegisterFunc("push-channel", shutdown.PhaseWebSockets, func(context.Context) error {
		s.wsManager.Stop()
		return nil
	})
	s.coordinator.RegisterFunc("event-bus", shutdown.PhaseEvents, func(context.Context) error {
		s.eventBus.Close()
		return nil
	})
	s.coordinator.RegisterFunc("search-index", shutdown.PhaseStorage, func(context.Context) error {
		return s.indexManager.Close()
	})
	s.coordinator.RegisterFunc("audit-store", shutdown.PhaseStorage, func(context.Context) error {
		return s.storageManager.Close()
	})

	return s, nil
}

// Registry exposes the server registry (used by tests).
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// EventBus exposes the event bus (used by tests).
func (s *Server) EventBus() *events.Bus {
	return s.eventBus
}

// Engine exposes the action engine (used by tests).
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Handler builds the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatusAPI)
	mux.HandleFunc("/api/servers", s.handleServersAPI)
	mux.HandleFunc("/api/servers/action", s.handleServerActionAPI)
	mux.HandleFunc("/api/servers/", s.handleServersByCategoryAPI)

	mux.HandleFunc("/api/history", s.handleHistoryAPI)
	mux.HandleFunc("/api/history/search", s.handleHistorySearchAPI)

	mux.HandleFunc("/api/funds/eligibility", s.handleFundEligibilityAPI)

	mux.HandleFunc("/api/kv/keys", s.handleKVKeysAPI)
	mux.HandleFunc("/api/kv/value", s.handleKVValueAPI)
	mux.HandleFunc("/api/kv/info", s.handleKVInfoAPI)

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.wsManager.HandleWebSocket(w, r, r.URL.Query().Get("server"))
	})

	return logs.HTTPMiddleware(s.logger.Named("http"), mux)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.HTTPReadHeaderTimeout,
		IdleTimeout:       config.HTTPIdleTimeout,
	}
	s.running = true
	s.mu.Unlock()

	s.setStatus("Ready", fmt.Sprintf("Listening on %s", listener.Addr()))
	s.logger.Info("WatchTower daemon started",
		zap.String("listen", listener.Addr().String()),
		zap.Int("servers", s.registry.Len()),
		zap.Duration("action_delay", s.engine.Delay()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdownHTTP()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdownHTTP() error {
	s.setStatus("Stopping", "Draining HTTP connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.HTTPDrainTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// Close tears components down in phase order: drain connections, then the
// push channel, then the bus, then storage. In-flight transition goroutines
// hold no resources beyond the registry and bus and are intentionally
// abandoned.
func (s *Server) Close() error {
	err := s.coordinator.Shutdown(context.Background())
	s.logger.Info("WatchTower daemon stopped")
	return err
}

// IsRunning reports whether the HTTP server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// readOnlyMode and defaultHistoryLimit read the reloadable settings under
// the same lock ApplyConfig writes them with.
func (s *Server) readOnlyMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.ReadOnlyMode
}

func (s *Server) defaultHistoryLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.HistoryLimit
}

// ApplyConfig applies a reloaded configuration. Only the settings that can
// change at runtime are picked up; listen address changes need a restart.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Listen != s.config.Listen {
		s.logger.Warn("Listen address change requires restart",
			zap.String("current", s.config.Listen),
			zap.String("new", cfg.Listen))
	}

	s.engine.SetDelay(cfg.ActionDelay.Duration())

	s.mu.Lock()
	s.config.ActionDelay = cfg.ActionDelay
	s.config.HistoryLimit = cfg.HistoryLimit
	s.config.ReadOnlyMode = cfg.ReadOnlyMode
	s.mu.Unlock()

	s.logger.Info("Applied configuration changes",
		zap.Duration("action_delay", cfg.ActionDelay.Duration()))
	return nil
}

func (s *Server) setStatus(phase, message string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if s.status.StartedAt.IsZero() {
		s.status.StartedAt = time.Now()
	}
	s.status.Phase = phase
	s.status.Message = message
	s.status.LastUpdated = time.Now()
}

// GetStatus returns a snapshot of the daemon status.
func (s *Server) GetStatus() Status {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()

	status.Servers = s.registry.Len()
	status.Clients = s.wsManager.GetActiveConnections()
	return status
}
