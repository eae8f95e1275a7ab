package client

import (
	"sync"
	"time"
)

// Handle tracks one in-flight action from the dashboard's point of view.
type Handle struct {
	ActionID     string
	ServerID     string
	ActionType   string
	DispatchedAt time.Time
}

// PendingActions keeps at most one in-flight handle per server. Dispatching
// a second action against the same server before the first resolves
// overwrites the slot; the prior handle is abandoned and its broadcast, when
// it arrives, resolves the newer handle instead.
type PendingActions struct {
	mu       sync.Mutex
	byServer map[string]*Handle
}

func NewPendingActions() *PendingActions {
	return &PendingActions{
		byServer: make(map[string]*Handle),
	}
}

// Record stores a handle for its server and returns the handle it displaced,
// if any. The displaced handle is no longer tracked.
func (p *PendingActions) Record(h *Handle) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	abandoned := p.byServer[h.ServerID]
	p.byServer[h.ServerID] = h
	return abandoned
}

// Resolve removes and returns the pending handle for a server. It returns
// nil when nothing is pending, which happens for broadcasts triggered by
// other dashboard sessions.
func (p *PendingActions) Resolve(serverID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.byServer[serverID]
	delete(p.byServer, serverID)
	return h
}

// Get returns the pending handle for a server without removing it.
func (p *PendingActions) Get(serverID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byServer[serverID]
}

func (p *PendingActions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byServer)
}

// Snapshot returns the currently pending handles keyed by server ID.
func (p *PendingActions) Snapshot() map[string]*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*Handle, len(p.byServer))
	for id, h := range p.byServer {
		out[id] = h
	}
	return out
}
