package logging

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompCatalog  = "catalog"
	CompBinding  = "binding"
	CompCommand  = "command"
	CompInvoker  = "invoker"
	CompDispatch = "dispatch"
	CompTelegram = "telegram"
	CompFeishu   = "feishu"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.codexrelay)
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files (default: true)
	Compress bool

	// Debug indicates whether debug mode is active
	Debug bool
}

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex
	lumberjackW  *lumberjack.Logger
)

// Init initializes the global logging system.
// When debug is false and no log dir is provided, logs are discarded.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	// Defaults
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}

	// Parse level
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// If not in debug mode and no explicit log dir, discard everything
	if !cfg.Debug && cfg.LogDir == "" {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}

	// Set up lumberjack for rotation
	logPath := filepath.Join(cfg.LogDir, "codexrelay.log")
	lumberjackW = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	handlerOpts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(lumberjackW, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(lumberjackW, handlerOpts)
	}

	globalLogger = slog.New(handler)
}

// Logger returns the global logger. Safe to call before Init (returns default).
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set.
func ForComponent(name string) *slog.Logger {
	return Logger().With(slog.String("component", name))
}

// Shutdown closes the underlying log writer.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if lumberjackW != nil {
		lumberjackW.Close()
		lumberjackW = nil
	}
	globalLogger = nil
}
