package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"watchtower-go/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(DefaultFixture(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return r
}

func TestNew_RejectsDuplicateIDs(t *testing.T) {
	seed := []*ServerEntity{
		{ID: "webapi-01"},
		{ID: "webapi-01"},
	}
	_, err := New(seed, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestListAll_InsertionOrderNoDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	all := r.ListAll()
	require.Len(t, all, len(DefaultFixture()))

	seen := make(map[string]struct{})
	for i, e := range all {
		assert.Equal(t, DefaultFixture()[i].ID, e.ID, "insertion order must be preserved")
		_, dup := seen[e.ID]
		assert.False(t, dup, "duplicate id %s", e.ID)
		seen[e.ID] = struct{}{}
	}
}

func TestListAll_ReturnsCopies(t *testing.T) {
	r := newTestRegistry(t)

	all := r.ListAll()
	all[0].ServerStatus = ServerStopped

	again, err := r.FindByID(all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ServerRunning, again.ServerStatus, "mutating a snapshot must not touch the registry")
}

func TestListByCategory(t *testing.T) {
	r := newTestRegistry(t)

	workers := r.ListByCategory(CategoryWorker)
	require.Len(t, workers, 2)
	for _, e := range workers {
		assert.Equal(t, CategoryWorker, e.ServiceCategory)
	}

	assert.Empty(t, r.ListByCategory("No Such Category"))
}

func TestFindByID(t *testing.T) {
	r := newTestRegistry(t)

	e, err := r.FindByID("worker-02")
	require.NoError(t, err)
	assert.Equal(t, "Migration Worker", e.ServerName)
	assert.Equal(t, ServiceDown, e.ServiceStatus)

	_, err = r.FindByID("ghost-99")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateStatus(t *testing.T) {
	r := newTestRegistry(t)

	updated, err := r.UpdateStatus("worker-02", func(e *ServerEntity) {
		e.ServiceStatus = ServiceRunning
	})
	require.NoError(t, err)
	assert.Equal(t, ServiceRunning, updated.ServiceStatus)

	stored, err := r.FindByID("worker-02")
	require.NoError(t, err)
	assert.Equal(t, ServiceRunning, stored.ServiceStatus)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.UpdateStatus("ghost-99", func(e *ServerEntity) {})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateStatus_ConcurrentWritesDoNotInterleave(t *testing.T) {
	r := newTestRegistry(t)

	// Each writer sets both fields to a consistent pair; afterwards the
	// entity must hold one of the pairs, never a mix.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.UpdateStatus("webapi-01", func(e *ServerEntity) {
					e.ServerStatus = ServerRunning
					e.ServiceStatus = ServiceRunning
				})
			} else {
				r.UpdateStatus("webapi-01", func(e *ServerEntity) {
					e.ServerStatus = ServerStopped
					e.ServiceStatus = ServiceStopped
				})
			}
		}(i)
	}
	wg.Wait()

	e, err := r.FindByID("webapi-01")
	require.NoError(t, err)
	running := e.ServerStatus == ServerRunning && e.ServiceStatus == ServiceRunning
	stopped := e.ServerStatus == ServerStopped && e.ServiceStatus == ServiceStopped
	assert.True(t, running || stopped, "got interleaved pair: %s/%s", e.ServerStatus, e.ServiceStatus)
}

func TestNewFromConfig(t *testing.T) {
	seeds := []config.SeedEntity{
		{ID: "custom-01", ServerName: "Custom", ServiceCategory: CategoryWebAPI, ServerStatus: "Running", ServiceStatus: "Down"},
	}
	r, err := NewFromConfig(seeds, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	e, err := r.FindByID("custom-01")
	require.NoError(t, err)
	assert.Equal(t, ServiceDown, e.ServiceStatus)
}

func TestNewFromConfig_EmptyFallsBackToFixture(t *testing.T) {
	r, err := NewFromConfig(nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, len(DefaultFixture()), r.Len())
}

func TestCategoryFromSlug(t *testing.T) {
	cases := map[string]string{
		"webapi":     CategoryWebAPI,
		"worker":     CategoryWorker,
		"lighthouse": CategoryLighthouse,
	}
	for slug, want := range cases {
		got, ok := CategoryFromSlug(slug)
		assert.True(t, ok, slug)
		assert.Equal(t, want, got)
	}

	_, ok := CategoryFromSlug("database")
	assert.False(t, ok)
}
