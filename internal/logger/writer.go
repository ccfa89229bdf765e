package logger

import (
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapWriter is an io.Writer that turns each written line into a log entry at a fixed level.
type ZapWriter struct {
	logger *zap.Logger
	level  zapcore.Level
}

func NewZapWriter(logger *zap.Logger, level zapcore.Level) *ZapWriter {
	return &ZapWriter{logger: logger.WithOptions(zap.AddCallerSkip(3)), level: level}
}

func (w *ZapWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	if ce := w.logger.Check(w.level, msg); ce != nil {
		ce.Write()
	}
	return len(p), nil
}

// StdLogger returns a *log.Logger backed by logger, for APIs such as http.Server.ErrorLog.
func StdLogger(logger *zap.Logger, level zapcore.Level) *log.Logger {
	return log.New(NewZapWriter(logger, level), "", 0)
}
