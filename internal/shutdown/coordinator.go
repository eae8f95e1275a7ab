// Package shutdown coordinates ordered teardown of the daemon's components.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"watchtower-go/internal/config"
)

// Phase orders teardown: stop taking work before dropping the pieces that
// record it.
type Phase int

const (
	// PhaseConnections - drain the HTTP listener
	PhaseConnections Phase = iota
	// PhaseWebSockets - close push-channel clients
	PhaseWebSockets
	// PhaseEvents - close the event bus so no new broadcasts are produced
	PhaseEvents
	// PhaseStorage - flush and close the audit store and search index
	PhaseStorage
	// PhaseCleanup - final cleanup
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseConnections:
		return "Connections"
	case PhaseWebSockets:
		return "WebSockets"
	case PhaseEvents:
		return "Events"
	case PhaseStorage:
		return "Storage"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// StopFunc performs one component's teardown work.
type StopFunc func(ctx context.Context) error

// Handler is a registered teardown step.
type Handler struct {
	Name    string
	Phase   Phase
	Fn      StopFunc
	Timeout time.Duration // 0 = use default
}

// Coordinator runs registered handlers phase by phase. A failing handler
// does not stop the sequence; errors are joined and reported at the end.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[Phase][]*Handler
	logger   *zap.Logger

	shutdownOnce   sync.Once
	shutdownDone   chan struct{}
	shutdownErr    error
	isShuttingDown atomic.Bool

	defaultTimeout time.Duration
	totalTimeout   time.Duration
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		handlers:       make(map[Phase][]*Handler),
		logger:         logger.Named("shutdown"),
		shutdownDone:   make(chan struct{}),
		defaultTimeout: config.ComponentStopTimeout,
		totalTimeout:   config.ShutdownTimeout,
	}
}

// Register adds a teardown handler.
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout == 0 {
		h.Timeout = c.defaultTimeout
	}
	c.handlers[h.Phase] = append(c.handlers[h.Phase], h)

	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.String("phase", h.Phase.String()))
}

// RegisterFunc registers a plain function as a teardown handler.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn StopFunc) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// IsShuttingDown reports whether shutdown has started.
func (c *Coordinator) IsShuttingDown() bool {
	return c.isShuttingDown.Load()
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownDone
}

// Shutdown runs the teardown sequence. Safe to call more than once; only
// the first call executes, later calls return the same result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.isShuttingDown.Store(true)
		c.shutdownErr = c.executeShutdown(ctx)
		close(c.shutdownDone)
	})
	return c.shutdownErr
}

func (c *Coordinator) executeShutdown(ctx context.Context) error {
	c.logger.Info("Starting coordinated shutdown")
	startTime := time.Now()

	shutdownCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	var allErrors []error

	phases := []Phase{
		PhaseConnections,
		PhaseWebSockets,
		PhaseEvents,
		PhaseStorage,
		PhaseCleanup,
	}

	for _, phase := range phases {
		if err := c.executePhase(shutdownCtx, phase); err != nil {
			allErrors = append(allErrors, fmt.Errorf("phase %s: %w", phase.String(), err))
		}

		if shutdownCtx.Err() != nil {
			c.logger.Warn("Shutdown timeout reached, aborting remaining phases",
				zap.Duration("elapsed", time.Since(startTime)))
			allErrors = append(allErrors, fmt.Errorf("shutdown timeout: %w", shutdownCtx.Err()))
			break
		}
	}

	duration := time.Since(startTime)
	if len(allErrors) > 0 {
		c.logger.Warn("Shutdown completed with errors",
			zap.Duration("duration", duration),
			zap.Int("error_count", len(allErrors)))
		return errors.Join(allErrors...)
	}

	c.logger.Info("Shutdown completed successfully",
		zap.Duration("duration", duration))
	return nil
}

func (c *Coordinator) executePhase(ctx context.Context, phase Phase) error {
	c.mu.RLock()
	handlers := make([]*Handler, len(c.handlers[phase]))
	copy(handlers, c.handlers[phase])
	c.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	c.logger.Debug("Executing shutdown phase",
		zap.String("phase", phase.String()),
		zap.Int("handler_count", len(handlers)))

	var phaseErrors []error
	for _, h := range handlers {
		if err := c.executeHandler(ctx, h); err != nil {
			phaseErrors = append(phaseErrors, fmt.Errorf("%s: %w", h.Name, err))
		}
	}

	return errors.Join(phaseErrors...)
}

func (c *Coordinator) executeHandler(ctx context.Context, h *Handler) error {
	startTime := time.Now()

	handlerCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Fn(handlerCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-handlerCtx.Done():
		err = fmt.Errorf("handler timeout after %v", h.Timeout)
	}

	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	c.logger.Debug("Shutdown handler completed",
		zap.String("name", h.Name),
		zap.Duration("duration", duration))
	return nil
}

// SetTotalTimeout overrides the overall shutdown budget.
func (c *Coordinator) SetTotalTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTimeout = d
}

// HandlerCount returns the number of registered handlers.
func (c *Coordinator) HandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, handlers := range c.handlers {
		count += len(handlers)
	}
	return count
}
