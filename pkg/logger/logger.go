// Package logger builds the zap logger shared by the kuro storage engine.
// One root logger is created at startup; subsystems (pool, disk, wal) get
// named children so every line carries the component that emitted it.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level is the minimum level emitted ("debug", "info", "warn", "error").
	// Unknown values fall back to "info".
	Level string `mapstructure:"level" yaml:"level"`
	// Format selects the encoder: "json" for machine-readable output,
	// "console" for a human-friendly one.
	Format string `mapstructure:"format" yaml:"format"`
	// OutputFile is the log destination: a file path, "stdout" or "stderr".
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	// Development enables development behavior: colored console levels and
	// DPanic panicking instead of logging.
	Development bool `mapstructure:"development" yaml:"development"`
}

// New creates the root zap.Logger for the engine. Call it once at startup
// and hand components their own child via Component.
func New(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(buildEncoder(config), sink, level)

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", "kurodb")),
	}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}

// Component returns a child of root named after one engine subsystem, so
// pool, disk, and wal lines are distinguishable in shared output. A nil
// root yields a no-op logger, which keeps test construction terse.
func Component(root *zap.Logger, name string) *zap.Logger {
	if root == nil {
		return zap.NewNop()
	}
	return root.Named(name)
}

// buildEncoder selects and tunes the encoder for the configured format.
func buildEncoder(config Config) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.ToLower(config.Format) == "console" {
		if config.Development {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		return zapcore.NewConsoleEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(encCfg)
}

// openSink resolves the output destination for the logs.
func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// Append to the file if it exists, or create it.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
