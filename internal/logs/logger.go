// Package logs builds the zap logger used across the daemon, with optional
// rotating file output.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"watchtower-go/internal/config"
)

// NewLogger creates a logger from LogConfig. Console and file outputs can
// be enabled independently; file output rotates via lumberjack.
func NewLogger(cfg *config.LogConfig, dataDir string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = config.DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var cores []zapcore.Core

	if cfg.EnableConsole {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		var enc zapcore.Encoder
		if cfg.JSONFormat {
			enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		} else {
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level))
	}

	if cfg.EnableFile {
		logDir := cfg.LogDir
		if logDir == "" {
			logDir = filepath.Join(dataDir, "logs")
		}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, cfg.Filename),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		var enc zapcore.Encoder
		if cfg.JSONFormat {
			enc = zapcore.NewJSONEncoder(encCfg)
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
