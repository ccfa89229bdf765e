package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SanitizerCore masks the values of sensitive fields before they reach the wrapped core.
// A key is sensitive when it equals one of the configured names or ends with "_" followed
// by one, so "password" also covers "new_password" and "current_password".
type SanitizerCore struct {
	zapcore.Core
	sensitive []string
	mask      string
}

func NewSanitizerCore(core zapcore.Core, sensitiveFields []string, mask string) *SanitizerCore {
	sensitive := make([]string, 0, len(sensitiveFields))
	for _, f := range sensitiveFields {
		sensitive = append(sensitive, strings.ToLower(f))
	}
	return &SanitizerCore{Core: core, sensitive: sensitive, mask: mask}
}

func (s *SanitizerCore) With(fields []zapcore.Field) zapcore.Core {
	return &SanitizerCore{
		Core:      s.Core.With(s.sanitize(fields)),
		sensitive: s.sensitive,
		mask:      s.mask,
	}
}

func (s *SanitizerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

func (s *SanitizerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return s.Core.Write(entry, s.sanitize(fields))
}

func (s *SanitizerCore) isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, name := range s.sensitive {
		if key == name || strings.HasSuffix(key, "_"+name) {
			return true
		}
	}
	return false
}

func (s *SanitizerCore) sanitize(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !s.isSensitive(f.Key) {
			continue
		}
		if out == nil {
			out = append([]zapcore.Field(nil), fields...)
		}
		out[i] = zap.String(f.Key, s.mask)
	}
	if out == nil {
		return fields
	}
	return out
}
