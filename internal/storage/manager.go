// Package storage persists the server action audit trail in bbolt. Only
// the history of actions is stored; registry state stays in memory and is
// rebuilt from the seed fixture on every start.
package storage

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"watchtower-go/internal/events"
)

// maxRecords caps the audit trail; oldest entries are pruned past this.
const maxRecords = 1000

// Manager provides a unified interface for audit storage operations
type Manager struct {
	db       *BoltDB
	eventBus *events.Bus
	eventCh  <-chan events.Event
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex
	logger   *zap.SugaredLogger
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:       db,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Start subscribes to the event bus and records every action lifecycle
// event into the audit trail until Stop or bus close.
func (m *Manager) Start(bus *events.Bus) {
	m.mu.Lock()
	m.eventBus = bus
	m.eventCh = bus.SubscribeAll()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.consumeLoop()
}

func (m *Manager) consumeLoop() {
	defer m.wg.Done()

	for {
		select {
		case event, ok := <-m.eventCh:
			if !ok {
				return
			}
			if err := m.recordEvent(event); err != nil {
				m.logger.Warnw("Failed to record audit entry",
					"server_id", event.ServerID,
					"error", err)
			}
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) recordEvent(event events.Event) error {
	record := &ActionRecord{
		ActionID:   event.ActionID,
		ServerID:   event.ServerID,
		ActionType: event.ActionType,
		Message:    event.Message,
	}
	if event.Entity != nil {
		record.ServerName = event.Entity.ServerName
	}

	switch event.Type {
	case events.ActionDispatched:
		record.Outcome = OutcomeDispatched
		record.DispatchedAt = event.Timestamp
	case events.StatusUpdate:
		record.Outcome = OutcomeCompleted
		record.ResolvedAt = event.Timestamp
	case events.ActionFailure:
		record.Outcome = OutcomeFailed
		record.ResolvedAt = event.Timestamp
	default:
		return nil
	}

	return m.Append(record)
}

// Append writes a record to the audit trail and prunes past the cap.
func (m *Manager) Append(record *ActionRecord) error {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("storage closed")
	}

	if record.DispatchedAt.IsZero() && record.ResolvedAt.IsZero() {
		record.DispatchedAt = time.Now()
	}

	if err := db.AppendAction(record); err != nil {
		return err
	}

	// The record is already written at this point; a count failure only
	// skips pruning, but it must not pass silently.
	count, err := db.CountActions()
	if err != nil {
		m.logger.Warnw("Failed to count audit records, skipping prune", "error", err)
		return nil
	}
	if count > maxRecords {
		if pruned, err := db.PruneActions(maxRecords); err == nil && pruned > 0 {
			m.logger.Debugw("Pruned audit trail", "pruned", pruned)
		}
	}
	return nil
}

// ListRecent returns up to limit audit records, newest first.
func (m *Manager) ListRecent(limit int) ([]*ActionRecord, error) {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("storage closed")
	}
	return db.ListActions(limit)
}

// Count returns the number of stored audit records.
func (m *Manager) Count() (int, error) {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return 0, fmt.Errorf("storage closed")
	}
	return db.CountActions()
}

// Close stops the event consumer and closes the database.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}
