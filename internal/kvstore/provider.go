// Package kvstore exposes the key-value store browser contract. Providers
// are keyed by environment name; the bundled implementation serves static
// fixture data in place of a live store.
package kvstore

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrKeyNotFound is returned when a key does not exist in the store.
var ErrKeyNotFound = fmt.Errorf("key not found")

// ErrUnknownEnvironment is returned when no provider serves the
// requested environment.
var ErrUnknownEnvironment = fmt.Errorf("unknown environment")

// InstanceInfo describes the store instance behind a provider.
type InstanceInfo struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	Mode        string `json:"mode"`
	KeyCount    int    `json:"key_count"`
	UptimeSecs  int64  `json:"uptime_secs"`
}

// Provider is the pluggable key-value browser contract.
type Provider interface {
	ListKeys(pattern string, limit int) ([]string, error)
	GetValue(key string) (string, error)
	DeleteKey(key string) error
	InstanceInfo() (*InstanceInfo, error)
}

// Browser resolves providers by environment name.
type Browser struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewBrowser creates a browser with a mock provider per environment.
func NewBrowser(environments []string, logger *zap.SugaredLogger) *Browser {
	providers := make(map[string]Provider, len(environments))
	for _, env := range environments {
		providers[env] = NewMockProvider(env, logger)
	}
	return &Browser{providers: providers}
}

// Provider returns the provider for an environment.
func (b *Browser) Provider(environment string) (Provider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.providers[environment]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnvironment, environment)
	}
	return p, nil
}

// Environments returns the known environment names, sorted.
func (b *Browser) Environments() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	envs := make([]string, 0, len(b.providers))
	for env := range b.providers {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs
}

// MockProvider serves fixture data for one environment.
type MockProvider struct {
	env     string
	started time.Time
	mu      sync.RWMutex
	data    map[string]string
	logger  *zap.SugaredLogger
}

// NewMockProvider creates a provider preloaded with fixture keys.
func NewMockProvider(env string, logger *zap.SugaredLogger) *MockProvider {
	return &MockProvider{
		env:     env,
		started: time.Now(),
		data: map[string]string{
			"session:1001":        `{"user":"ops-admin","expires":3600}`,
			"session:1002":        `{"user":"reporting","expires":3600}`,
			"cache:funds:growth":  `{"status":"Eligible","ttl":300}`,
			"cache:funds:alpha":   `{"status":"Ineligible","ttl":300}`,
			"config:maintenance":  "off",
			"config:feature:sync": "enabled",
			"queue:migrations":    "0",
		},
		logger: logger,
	}
}

// ListKeys returns keys matching a glob pattern, sorted, capped at limit.
// An empty pattern matches everything.
func (p *MockProvider) ListKeys(pattern string, limit int) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.data))
	for key := range p.data {
		if pattern != "" && pattern != "*" {
			ok, err := path.Match(pattern, key)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// GetValue returns the value stored under key.
func (p *MockProvider) GetValue(key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

// DeleteKey removes a key from the store.
func (p *MockProvider) DeleteKey(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	delete(p.data, key)
	p.logger.Infow("Deleted key", "environment", p.env, "key", key)
	return nil
}

// InstanceInfo describes this mock instance.
func (p *MockProvider) InstanceInfo() (*InstanceInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return &InstanceInfo{
		Environment: p.env,
		Version:     "7.2.0-mock",
		Mode:        "standalone",
		KeyCount:    len(p.data),
		UptimeSecs:  int64(time.Since(p.started).Seconds()),
	}, nil
}
