package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"watchtower-go/internal/events"
	"watchtower-go/internal/registry"
)

func newTestIndex(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestIndexAndSearch(t *testing.T) {
	m := newTestIndex(t)

	require.NoError(t, m.IndexDocument(&Document{
		ActionID:   "a-1",
		ServerID:   "webapi-03",
		ServerName: "Accounts API",
		ActionType: "bogusAction",
		Outcome:    "failed",
		Message:    "action type not recognized: bogusAction",
		Timestamp:  time.Now(),
	}))
	require.NoError(t, m.IndexDocument(&Document{
		ActionID:   "a-2",
		ServerID:   "worker-02",
		ServerName: "Migration Worker",
		ActionType: "restartService",
		Outcome:    "completed",
		Timestamp:  time.Now(),
	}))

	results, err := m.Search("bogusAction", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "webapi-03", results[0].ServerID)
	assert.Equal(t, "failed", results[0].Outcome)

	results, err = m.Search("restartService", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "worker-02", results[0].ServerID)
}

func TestSearch_NoHits(t *testing.T) {
	m := newTestIndex(t)

	results, err := m.Search("nothing-here", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBusConsumption_IndexesOnlyOutcomes(t *testing.T) {
	m := newTestIndex(t)
	bus := events.NewBus()
	defer bus.Close()

	m.Start(bus)

	// Dispatch events are not indexed
	bus.Publish(events.Event{
		Type:       events.ActionDispatched,
		ServerID:   "worker-02",
		ActionID:   "a-1",
		ActionType: "restartService",
	})
	bus.Publish(events.Event{
		Type:       events.StatusUpdate,
		ServerID:   "worker-02",
		ActionID:   "a-1",
		ActionType: "restartService",
		Entity: &registry.ServerEntity{
			ID:         "worker-02",
			ServerName: "Migration Worker",
		},
	})

	require.Eventually(t, func() bool {
		count, err := m.DocCount()
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)

	results, err := m.Search("Migration", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a-1", results[0].ActionID)
	assert.Equal(t, "completed", results[0].Outcome)
}

func TestReopenExistingIndex(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.IndexDocument(&Document{
		ActionID: "a-1",
		ServerID: "webapi-01",
		Outcome:  "completed",
	}))
	require.NoError(t, m.Close())

	reopened, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
