package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"watchtower-go/internal/events"
	"watchtower-go/internal/registry"
)

// FailureNotice is one entry in the watcher's persistent failure log.
type FailureNotice struct {
	ServerID   string    `json:"server_id"`
	ActionID   string    `json:"action_id,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Watcher mirrors the daemon's registry over the push channel and
// reconciles its own dispatched actions against incoming broadcasts.
type Watcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	pending *PendingActions

	mu       sync.RWMutex
	view     map[string]*registry.ServerEntity
	failures []*FailureNotice

	// OnResolved fires when a broadcast clears one of our own pending
	// actions; the dashboard uses it to dismiss the spinner.
	OnResolved func(h *Handle, event events.Event)
	// OnFailure fires for every action-failure broadcast, ours or not.
	OnFailure func(notice *FailureNotice)
}

func NewWatcher(baseURL string, logger *zap.SugaredLogger) *Watcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Watcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		pending:    NewPendingActions(),
		view:       make(map[string]*registry.ServerEntity),
	}
}

// Pending exposes the reconciliation store, mainly for tests.
func (w *Watcher) Pending() *PendingActions {
	return w.pending
}

// RefreshServers replaces the local view with a fresh registry snapshot.
func (w *Watcher) RefreshServers(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/api/servers", nil)
	if err != nil {
		return err
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch servers: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Servers []*registry.ServerEntity `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode servers: %w", err)
	}

	w.mu.Lock()
	w.view = make(map[string]*registry.ServerEntity, len(body.Servers))
	for _, entity := range body.Servers {
		w.view[entity.ID] = entity
	}
	w.mu.Unlock()
	return nil
}

// Server returns the local view of one server, or nil if unknown.
func (w *Watcher) Server(id string) *registry.ServerEntity {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entity, ok := w.view[id]
	if !ok {
		return nil
	}
	copied := *entity
	return &copied
}

// Failures returns the persistent failure log, oldest first.
func (w *Watcher) Failures() []*FailureNotice {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*FailureNotice(nil), w.failures...)
}

// DispatchAction posts an action and records a pending handle on a 202.
// A synchronous rejection records nothing: there is no broadcast to wait
// for, so the caller sees the error immediately.
func (w *Watcher) DispatchAction(ctx context.Context, serverID, actionType string) (*Handle, error) {
	payload, err := json.Marshal(map[string]string{
		"id":         serverID,
		"actionType": actionType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.baseURL+"/api/servers/action", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch action: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Message  string `json:"message"`
		ActionID string `json:"action_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode action response: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("action rejected (%d): %s", resp.StatusCode, body.Message)
	}

	handle := &Handle{
		ActionID:     body.ActionID,
		ServerID:     serverID,
		ActionType:   actionType,
		DispatchedAt: time.Now(),
	}
	if abandoned := w.pending.Record(handle); abandoned != nil {
		w.logger.Warnw("Abandoning earlier pending action for server",
			"server_id", serverID,
			"abandoned_action_id", abandoned.ActionID)
	}
	return handle, nil
}

// Watch connects to the push channel and reconciles broadcasts until the
// context is canceled or the connection drops.
func (w *Watcher) Watch(ctx context.Context) error {
	wsURL, err := w.websocketURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	// done releases the cancellation watcher when Watch returns for any
	// other reason (read error, server close).
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var event events.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read push channel: %w", err)
		}
		w.HandleEvent(event)
	}
}

// HandleEvent applies a single broadcast to the local view and the
// reconciliation store.
func (w *Watcher) HandleEvent(event events.Event) {
	switch event.Type {
	case events.StatusUpdate:
		if event.Entity != nil {
			w.mu.Lock()
			copied := *event.Entity
			w.view[copied.ID] = &copied
			w.mu.Unlock()
		}
		if h := w.pending.Resolve(event.ServerID); h != nil {
			w.logger.Infow("Pending action resolved",
				"server_id", event.ServerID,
				"action_id", h.ActionID)
			if w.OnResolved != nil {
				w.OnResolved(h, event)
			}
		}

	case events.ActionFailure:
		notice := &FailureNotice{
			ServerID:   event.ServerID,
			ActionID:   event.ActionID,
			Message:    event.Message,
			ReceivedAt: time.Now(),
		}
		w.mu.Lock()
		w.failures = append(w.failures, notice)
		w.mu.Unlock()

		if h := w.pending.Resolve(event.ServerID); h != nil {
			w.logger.Warnw("Pending action failed",
				"server_id", event.ServerID,
				"action_id", h.ActionID,
				"message", event.Message)
			if w.OnResolved != nil {
				w.OnResolved(h, event)
			}
		}
		if w.OnFailure != nil {
			w.OnFailure(notice)
		}
	}
}

func (w *Watcher) websocketURL() (string, error) {
	parsed, err := url.Parse(w.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws"
	return parsed.String(), nil
}
