package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader manages configuration loading and live reload from disk.
type Loader struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	watcher    *fsnotify.Watcher
	onChange   func(*Config) error
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewLoader creates a new configuration loader with file watching.
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration from file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// StartWatching starts watching the configuration file for changes.
// The onChange callback is called with the freshly parsed configuration;
// if it returns an error the previous configuration stays in effect.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	if err := l.watcher.Add(l.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))

	return nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				l.handleFileChange()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

func (l *Loader) handleFileChange() {
	l.logger.Info("Configuration file changed, reloading...")

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Error("Failed to reload configuration",
			zap.String("path", l.configPath),
			zap.Error(err))
		return
	}

	l.mu.Lock()
	oldConfig := l.config
	l.config = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Failed to apply configuration changes", zap.Error(err))
			l.mu.Lock()
			l.config = oldConfig
			l.mu.Unlock()
			return
		}
	}

	l.logger.Info("Configuration reloaded successfully")
}

// GetConfig returns the current configuration (thread-safe).
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Stop stops the file watcher and cleans up resources.
func (l *Loader) Stop() error {
	close(l.stopChan)

	if err := l.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	l.logger.Info("Stopped configuration file watcher")
	return nil
}
