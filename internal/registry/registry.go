// Package registry holds the in-memory collection of monitored
// server/service entities. Entities are seeded once at startup and mutated
// in place by the action engine; nothing is persisted across restarts.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"watchtower-go/internal/config"
)

// ServerStatus is the status of the server host itself
type ServerStatus string

const (
	ServerRunning  ServerStatus = "Running"
	ServerStopped  ServerStatus = "Stopped"
	ServerDegraded ServerStatus = "Degraded"
)

// ServiceStatus is the status of the service running on a server
type ServiceStatus string

const (
	ServiceRunning  ServiceStatus = "Running"
	ServiceStopped  ServiceStatus = "Stopped"
	ServiceDown     ServiceStatus = "Down"
	ServiceDegraded ServiceStatus = "Degraded"
)

// Service categories. The URL slugs (webapi, worker, lighthouse) map onto
// these display names.
const (
	CategoryWebAPI     = "Web API"
	CategoryWorker     = "Worker Service"
	CategoryLighthouse = "Lighthouse"
)

// CategoryFromSlug resolves a URL path slug to a category display name.
func CategoryFromSlug(slug string) (string, bool) {
	switch slug {
	case "webapi":
		return CategoryWebAPI, true
	case "worker":
		return CategoryWorker, true
	case "lighthouse":
		return CategoryLighthouse, true
	default:
		return "", false
	}
}

// ServerEntity is one monitored server/service pair. The two status fields
// are independently settable; the action vocabulary constrains what can be
// requested, not what combinations can exist.
type ServerEntity struct {
	ID              string        `json:"id"`
	ServerName      string        `json:"server_name"`
	ServiceCategory string        `json:"service_category"`
	ServerStatus    ServerStatus  `json:"server_status"`
	ServiceStatus   ServiceStatus `json:"service_status"`
}

// ErrNotFound is returned when a server id does not resolve.
var ErrNotFound = fmt.Errorf("server not found")

// Registry is the authoritative in-memory store of monitored entities.
// Reads return copies; writes go through UpdateStatus under the write lock
// so concurrent transitions never interleave partial field writes.
type Registry struct {
	mu       sync.RWMutex
	entities []*ServerEntity          // insertion order
	byID     map[string]*ServerEntity // id -> live entity
	logger   *zap.SugaredLogger
}

// New creates a registry seeded with the given entities. Duplicate ids are
// rejected.
func New(seed []*ServerEntity, logger *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*ServerEntity, len(seed)),
		logger: logger,
	}

	for _, e := range seed {
		if e.ID == "" {
			return nil, fmt.Errorf("seed entity with empty id")
		}
		if _, dup := r.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate seed entity id: %s", e.ID)
		}
		cp := *e
		r.entities = append(r.entities, &cp)
		r.byID[cp.ID] = &cp
	}

	logger.Infow("Registry seeded", "servers", len(r.entities))
	return r, nil
}

// NewFromConfig builds a registry from config seed entries, falling back to
// the built-in fixture when the config does not define any servers.
func NewFromConfig(seeds []config.SeedEntity, logger *zap.SugaredLogger) (*Registry, error) {
	if len(seeds) == 0 {
		return New(DefaultFixture(), logger)
	}

	entities := make([]*ServerEntity, 0, len(seeds))
	for _, s := range seeds {
		entities = append(entities, &ServerEntity{
			ID:              s.ID,
			ServerName:      s.ServerName,
			ServiceCategory: s.ServiceCategory,
			ServerStatus:    ServerStatus(s.ServerStatus),
			ServiceStatus:   ServiceStatus(s.ServiceStatus),
		})
	}
	return New(entities, logger)
}

// DefaultFixture is the built-in seed list used when no servers are
// configured.
func DefaultFixture() []*ServerEntity {
	return []*ServerEntity{
		{ID: "webapi-01", ServerName: "Orders API", ServiceCategory: CategoryWebAPI, ServerStatus: ServerRunning, ServiceStatus: ServiceRunning},
		{ID: "webapi-02", ServerName: "Pricing API", ServiceCategory: CategoryWebAPI, ServerStatus: ServerRunning, ServiceStatus: ServiceDegraded},
		{ID: "webapi-03", ServerName: "Accounts API", ServiceCategory: CategoryWebAPI, ServerStatus: ServerRunning, ServiceStatus: ServiceRunning},
		{ID: "worker-01", ServerName: "Fund Sync Worker", ServiceCategory: CategoryWorker, ServerStatus: ServerRunning, ServiceStatus: ServiceRunning},
		{ID: "worker-02", ServerName: "Migration Worker", ServiceCategory: CategoryWorker, ServerStatus: ServerRunning, ServiceStatus: ServiceDown},
		{ID: "lighthouse-01", ServerName: "Lighthouse Monitor", ServiceCategory: CategoryLighthouse, ServerStatus: ServerDegraded, ServiceStatus: ServiceRunning},
	}
}

// ListAll returns a snapshot of every entity in insertion order.
func (r *Registry) ListAll() []*ServerEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServerEntity, 0, len(r.entities))
	for _, e := range r.entities {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// ListByCategory returns a snapshot of entities whose category matches.
func (r *Registry) ListByCategory(category string) []*ServerEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServerEntity, 0)
	for _, e := range r.entities {
		if e.ServiceCategory == category {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// FindByID returns a snapshot of the entity with the given id, or
// ErrNotFound.
func (r *Registry) FindByID(id string) (*ServerEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

// UpdateStatus applies fn to the live entity under the write lock and
// returns a snapshot of the result. The lock makes the field-group write
// atomic; ordering across racing updates stays last-writer-wins.
func (r *Registry) UpdateStatus(id string, fn func(*ServerEntity)) (*ServerEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	fn(e)
	cp := *e
	return &cp, nil
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}
