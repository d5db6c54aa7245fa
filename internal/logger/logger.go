// Package logger wires a single slog handler shared by every component,
// the same way gcsfuse's fs package threads one *log.Logger field into
// each of its structs instead of letting packages call the log package
// directly.
package logger

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes. A zero Config logs to stderr.
type Config struct {
	// Path to a log file. Empty means stderr.
	Path string

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int

	// BackupFileCount is the number of rotated files to keep.
	BackupFileCount int

	// Compress rotated files with gzip.
	Compress bool

	// Debug enables slog.LevelDebug; otherwise slog.LevelInfo.
	Debug bool
}

// DefaultConfig matches the rotation defaults gcsfuse ships
// (cfg.GetDefaultLoggingConfig): 512 MiB files, 10 backups, compressed.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:       512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// New builds the process-wide base logger. Call Named on the result to get
// a per-component logger.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename: cfg.Path,
			MaxSize:  orDefault(cfg.MaxSizeMB, 512),
			MaxBackups: orDefault(cfg.BackupFileCount, 10),
			Compress: cfg.Compress,
		}
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Named returns a logger scoped to one component, attached as a
// "component" attribute on every record it emits.
func Named(base *slog.Logger, component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

// Nop returns a logger that discards everything, for use in tests that
// don't care about log output.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
