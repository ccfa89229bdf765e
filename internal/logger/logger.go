package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerManager owns the named loggers built from the logging configuration.
type LoggerManager struct {
	mu      sync.RWMutex
	loggers map[string]*zap.Logger
}

// NewLoggerManager builds one logger per entry in configs. A default logger is always
// present, built from DefaultConfig unless configs names it.
func NewLoggerManager(configs map[string]Config) (*LoggerManager, error) {
	lm := &LoggerManager{loggers: make(map[string]*zap.Logger)}

	for name, cfg := range configs {
		l, err := buildLogger(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger '%s': %w", name, err)
		}
		if err := lm.AddLogger(name, l); err != nil {
			return nil, err
		}
	}

	if _, ok := configs[DefaultLoggerName]; !ok {
		l, err := buildLogger(DefaultLoggerName, DefaultConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build default logger: %w", err)
		}
		if err := lm.AddLogger(DefaultLoggerName, l); err != nil {
			return nil, err
		}
	}

	return lm, nil
}

// AddLogger registers logger under name. Names are unique.
func (lm *LoggerManager) AddLogger(name string, logger *zap.Logger) error {
	if logger == nil {
		return fmt.Errorf("logger cannot be nil")
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.loggers[name]; exists {
		return fmt.Errorf("logger '%s' already exists", name)
	}
	lm.loggers[name] = logger
	return nil
}

func (lm *LoggerManager) GetLogger(name string) (*zap.Logger, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if l, ok := lm.loggers[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("logger '%s' not found", name)
}

// Logger returns the logger configured under name, or a child of the default logger.
func (lm *LoggerManager) Logger(name string) *zap.Logger {
	if l, err := lm.GetLogger(name); err == nil {
		return l
	}
	l, _ := lm.GetLogger(DefaultLoggerName)
	return l.Named(name)
}

// Sync flushes every logger and reports the ones that failed.
func (lm *LoggerManager) Sync() error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var errs []string
	for name, l := range lm.loggers {
		if err := l.Sync(); err != nil && !isConsoleSyncError(err) {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sync errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Syncing a terminal fails on most platforms; those errors carry no information.
func isConsoleSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

func buildLogger(name string, cfg Config) (*zap.Logger, error) {
	assignDefaultValues(&cfg)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = timeEncoder(cfg.TimeEncoder)
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var cores []zapcore.Core
	if cfg.Development || cfg.LogToConsole {
		consoleConfig := encoderConfig
		if cfg.Development {
			consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stdout), level))
	}

	for _, path := range cfg.OutputPaths {
		if path == "stdout" || path == "stderr" {
			continue
		}
		ws, err := fileSyncer(path, cfg.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), ws, level))
	}

	core := NewSanitizerCore(zapcore.NewTee(cores...), cfg.Sanitization.SensitiveFields, cfg.Sanitization.Mask)

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...).Named(name), nil
}

func fileSyncer(path string, r Rotation) (zapcore.WriteSyncer, error) {
	if r.Enabled {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		}), nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", path, err)
	}
	return zapcore.AddSync(file), nil
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func timeEncoder(name string) zapcore.TimeEncoder {
	switch strings.ToLower(name) {
	case "epoch":
		return zapcore.EpochTimeEncoder
	case "millis":
		return zapcore.EpochMillisTimeEncoder
	case "rfc3339":
		return zapcore.RFC3339TimeEncoder
	default:
		return zapcore.ISO8601TimeEncoder
	}
}
