// Package index maintains a full-text search index over the server action
// audit trail.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"watchtower-go/internal/events"
)

const indexDirName = "actions.bleve"

// Document is the indexed representation of one audit entry.
type Document struct {
	ActionID   string    `json:"action_id"`
	ServerID   string    `json:"server_id"`
	ServerName string    `json:"server_name"`
	ActionType string    `json:"action_type"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// SearchResult is one hit returned from Search.
type SearchResult struct {
	Document
	Score float64 `json:"score"`
}

// Manager wraps the bleve index over audit entries.
type Manager struct {
	index    bleve.Index
	eventCh  <-chan events.Event
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager opens (or creates) the search index under dataDir.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	path := filepath.Join(dataDir, indexDirName)

	var idx bleve.Index
	if _, err := os.Stat(path); os.IsNotExist(err) {
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(path, mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to create search index: %w", err)
		}
	} else {
		var err error
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open search index: %w", err)
		}
	}

	return &Manager{
		index:    idx,
		stopChan: make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start subscribes to the event bus and indexes action outcomes as they
// resolve. Dispatch events are skipped; only terminal outcomes are worth
// searching.
func (m *Manager) Start(bus *events.Bus) {
	m.mu.Lock()
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
			doc, ok := documentFromEvent(event)
			if !ok {
				continue
			}
			if err := m.IndexDocument(doc); err != nil {
				m.logger.Warn("Failed to index audit entry",
					zap.String("server_id", doc.ServerID),
					zap.Error(err))
			}
		case <-m.stopChan:
			return
		}
	}
}

func documentFromEvent(event events.Event) (*Document, bool) {
	var outcome string
	switch event.Type {
	case events.StatusUpdate:
		outcome = "completed"
	case events.ActionFailure:
		outcome = "failed"
	default:
		return nil, false
	}

	doc := &Document{
		ActionID:   event.ActionID,
		ServerID:   event.ServerID,
		ActionType: event.ActionType,
		Outcome:    outcome,
		Message:    event.Message,
		Timestamp:  event.Timestamp,
	}
	if event.Entity != nil {
		doc.ServerName = event.Entity.ServerName
	}
	return doc, true
}

// IndexDocument adds or replaces a document in the index.
func (m *Manager) IndexDocument(doc *Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.index == nil {
		return fmt.Errorf("index closed")
	}
	id := doc.ActionID
	if id == "" {
		id = fmt.Sprintf("%s-%d", doc.ServerID, doc.Timestamp.UnixNano())
	}
	return m.index.Index(id, doc)
}

// Search runs a query-string search over the audit index.
func (m *Manager) Search(query string, limit int) ([]*SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.index == nil {
		return nil, fmt.Errorf("index closed")
	}
	if limit <= 0 {
		limit = 10
	}

	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"*"}

	res, err := m.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := &SearchResult{Score: hit.Score}
		r.ActionID = stringField(hit.Fields, "action_id")
		r.ServerID = stringField(hit.Fields, "server_id")
		r.ServerName = stringField(hit.Fields, "server_name")
		r.ActionType = stringField(hit.Fields, "action_type")
		r.Outcome = stringField(hit.Fields, "outcome")
		r.Message = stringField(hit.Fields, "message")
		if ts := stringField(hit.Fields, "timestamp"); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				r.Timestamp = parsed
			}
		}
		results = append(results, r)
	}
	return results, nil
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

// DocCount returns the number of indexed documents.
func (m *Manager) DocCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.index == nil {
		return 0, fmt.Errorf("index closed")
	}
	return m.index.DocCount()
}

// Close stops the event consumer and closes the index.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index != nil {
		err := m.index.Close()
		m.index = nil
		return err
	}
	return nil
}
