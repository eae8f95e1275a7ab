// WatchTower is a monitoring daemon for a small server fleet. It serves the
// registry API, dispatches lifecycle actions, and pushes status broadcasts
// to connected dashboards over WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"watchtower-go/internal/config"
	"watchtower-go/internal/logs"
	"watchtower-go/internal/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watchtower",
		Short:   "Server fleet monitoring daemon",
		Long:    "WatchTower serves a server registry with async action dispatch and WebSocket status broadcasts.",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to config file (JSON)")
	flags.StringP("listen", "l", "", "listen address, e.g. :8085")
	flags.String("data-dir", "", "data directory for the audit store and logs")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Duration("action-delay", 0, "simulated action execution delay")
	flags.Bool("read-only", false, "reject mutating requests")

	viper.SetEnvPrefix("WATCHTOWER")
	viper.AutomaticEnv()
	for _, name := range []string{"config", "listen", "data-dir", "log-level", "action-delay", "read-only"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func run(ctx context.Context) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := logs.NewLogger(cfg.Logging, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	if loader != nil {
		if err := loader.StartWatching(srv.ApplyConfig); err != nil {
			logger.Warn("Config file watching disabled", zap.Error(err))
		}
		defer func() { _ = loader.Stop() }()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting WatchTower",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir))

	serveErr := srv.Start(ctx)
	if closeErr := srv.Close(); closeErr != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(closeErr))
	}
	return serveErr
}

// loadConfig reads the config file when one is given and returns a watching
// loader for it; otherwise it falls back to defaults with no loader.
func loadConfig() (*config.Config, *config.Loader, error) {
	path := viper.GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil, nil
	}

	bootstrapLogger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}

	loader, err := config.NewLoader(path, bootstrapLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// applyOverrides layers flag and environment values on top of the file
// configuration.
func applyOverrides(cfg *config.Config) {
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if dataDir := viper.GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if level := viper.GetString("log-level"); level != "" {
		if cfg.Logging == nil {
			cfg.Logging = config.DefaultLogConfig()
		}
		cfg.Logging.Level = level
	}
	if delay := viper.GetDuration("action-delay"); delay > 0 {
		cfg.ActionDelay = config.Duration(delay)
	}
	if viper.GetBool("read-only") {
		cfg.ReadOnlyMode = true
	}
}
