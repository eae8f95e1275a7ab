package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultListen      = ":8085"
	defaultActionDelay = 2 * time.Second
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// SeedEntity describes one monitored server/service pair seeded into the
// registry at startup. Statuses are the string forms used on the wire.
type SeedEntity struct {
	ID              string `json:"id" mapstructure:"id"`
	ServerName      string `json:"server_name" mapstructure:"server-name"`
	ServiceCategory string `json:"service_category" mapstructure:"service-category"`
	ServerStatus    string `json:"server_status" mapstructure:"server-status"`
	ServiceStatus   string `json:"service_status" mapstructure:"service-status"`
}

// Config represents the main configuration structure
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// ActionDelay is the simulated provisioning latency applied before a
	// server action's status transition takes effect.
	ActionDelay Duration `json:"action_delay" mapstructure:"action-delay"`

	// Servers overrides the built-in registry fixture when non-empty.
	Servers []SeedEntity `json:"servers,omitempty" mapstructure:"servers"`

	// Environments lists the key-value store environments exposed by the
	// browser API (e.g. "dev", "qa", "prod").
	Environments []string `json:"environments,omitempty" mapstructure:"environments"`

	// HistoryLimit caps how many audit records the history API returns by default.
	HistoryLimit int `json:"history_limit" mapstructure:"history-limit"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Security settings
	ReadOnlyMode bool `json:"read_only_mode" mapstructure:"read-only-mode"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    true,
		EnableConsole: true,
		Filename:      "watchtower.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		DataDir:      defaultDataDir(),
		ActionDelay:  Duration(defaultActionDelay),
		Environments: []string{"dev", "qa", "prod"},
		HistoryLimit: 50,
		Logging:      DefaultLogConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".watchtower"
	}
	return filepath.Join(home, ".watchtower")
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ActionDelay < 0 {
		return fmt.Errorf("action-delay must not be negative")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history-limit must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("seed server with empty id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate seed server id: %s", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Save writes the configuration to a JSON file atomically (write to a temp
// file in the same directory, then rename).
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".watchtower-config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
