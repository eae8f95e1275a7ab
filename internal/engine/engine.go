// Package engine implements server action dispatch and the asynchronous
// status transition that follows. Dispatch validates the target and returns
// immediately; the transition itself runs on a detached goroutine after a
// simulated provisioning delay and reports its outcome only through the
// event bus.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"watchtower-go/internal/events"
	"watchtower-go/internal/registry"
)

// Action vocabulary. Unlisted values pass validation at dispatch time and
// fail later inside the transition; that asymmetry is part of the contract.
const (
	ActionStartServer    = "startServer"
	ActionStopServer     = "stopServer"
	ActionRestartServer  = "restartServer"
	ActionStartService   = "startService"
	ActionStopService    = "stopService"
	ActionRestartService = "restartService"
	ActionResumeService  = "resumeService"
)

// Ack is the synchronous acknowledgment returned by Dispatch.
type Ack struct {
	ActionID string `json:"action_id"`
	Message  string `json:"message"`
}

// Engine owns action dispatch and the per-action transition goroutines.
// It holds no handle to in-flight transitions: there is no cancellation,
// no join, and no retry. Completion is observable only via the bus.
type Engine struct {
	registry *registry.Registry
	bus      *events.Bus
	logger   *zap.SugaredLogger

	// publishMu spans the registry mutation and the status broadcast so
	// updates for one server are broadcast in the order they were applied.
	publishMu sync.Mutex

	mu    sync.RWMutex
	delay time.Duration
}

// New creates an engine with the given transition delay.
func New(reg *registry.Registry, bus *events.Bus, delay time.Duration, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		registry: reg,
		bus:      bus,
		delay:    delay,
		logger:   logger,
	}
}

// Delay returns the current transition delay.
func (e *Engine) Delay() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.delay
}

// SetDelay updates the transition delay; applies to actions dispatched
// after the call.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
}

// Dispatch validates the server id, schedules the transition on a detached
// goroutine, and returns an acknowledgment without waiting for it. The
// actionType is deliberately not validated here: an unrecognized value is
// accepted and rejected later via the failure broadcast.
func (e *Engine) Dispatch(serverID, actionType string) (*Ack, error) {
	entity, err := e.registry.FindByID(serverID)
	if err != nil {
		return nil, err
	}

	actionID := uuid.NewString()

	e.logger.Infow("Action accepted",
		"action_id", actionID,
		"server_id", serverID,
		"action_type", actionType)

	e.bus.Publish(events.Event{
		Type:       events.ActionDispatched,
		ServerID:   serverID,
		ActionID:   actionID,
		ActionType: actionType,
		Entity:     entity,
	})

	go e.runTransition(actionID, serverID, actionType)

	return &Ack{
		ActionID: actionID,
		Message:  fmt.Sprintf("action %s accepted for server %s", actionType, serverID),
	}, nil
}

// runTransition sleeps through the simulated provisioning delay, then
// applies the status mapping and broadcasts the result.
func (e *Engine) runTransition(actionID, serverID, actionType string) {
	time.Sleep(e.Delay())

	if !Recognized(actionType) {
		e.logger.Warnw("Unrecognized action type",
			"action_id", actionID,
			"server_id", serverID,
			"action_type", actionType)

		e.bus.Publish(events.Event{
			Type:       events.ActionFailure,
			ServerID:   serverID,
			ActionID:   actionID,
			ActionType: actionType,
			Message:    fmt.Sprintf("action type not recognized: %s", actionType),
		})
		return
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	updated, err := e.registry.UpdateStatus(serverID, func(entity *registry.ServerEntity) {
		Apply(entity, actionType)
	})
	if err != nil {
		// Registry entities are never removed at runtime, so this only
		// fires if the engine was wired against a different registry.
		e.logger.Errorw("Transition lost its target entity",
			"action_id", actionID,
			"server_id", serverID,
			"error", err)
		return
	}

	e.logger.Infow("Action completed",
		"action_id", actionID,
		"server_id", serverID,
		"action_type", actionType,
		"server_status", updated.ServerStatus,
		"service_status", updated.ServiceStatus)

	e.bus.Publish(events.Event{
		Type:       events.StatusUpdate,
		ServerID:   serverID,
		ActionID:   actionID,
		ActionType: actionType,
		Entity:     updated,
	})
}

// Recognized reports whether actionType is part of the action vocabulary.
func Recognized(actionType string) bool {
	switch actionType {
	case ActionStartServer, ActionStopServer, ActionRestartServer,
		ActionStartService, ActionStopService, ActionRestartService,
		ActionResumeService:
		return true
	default:
		return false
	}
}

// Apply mutates the entity's status fields according to the action mapping.
// Unrecognized actions leave the entity untouched. The mapping is absolute:
// the resulting pair does not depend on the prior state.
func Apply(entity *registry.ServerEntity, actionType string) {
	switch actionType {
	case ActionStartServer, ActionRestartServer:
		entity.ServerStatus = registry.ServerRunning
		entity.ServiceStatus = registry.ServiceRunning
	case ActionStopServer:
		entity.ServerStatus = registry.ServerStopped
		entity.ServiceStatus = registry.ServiceStopped
	case ActionStartService, ActionRestartService, ActionResumeService:
		entity.ServiceStatus = registry.ServiceRunning
	case ActionStopService:
		entity.ServiceStatus = registry.ServiceStopped
	}
}
