package torgate

import (
	"log/slog"
)

// Logger receives the package's log entries. Every component takes one
// through its options, and a discarding logger is used when none is set.
// keysAndValues alternate keys and values; keys are snake_case, for example
// "session_id" or "socks_port".
//
// NewSlogAdapter covers log/slog. Other libraries need a small wrapper with
// the same method.
type Logger interface {
	// Log writes one entry. level is "debug", "info", "warn" or "error";
	// anything else is treated as info.
	Log(level string, msg string, keysAndValues ...any)
}

// noopLogger drops everything.
type noopLogger struct{}

func (noopLogger) Log(string, string, ...any) {}

// slogAdapter maps Logger levels onto slog levels.
type slogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns a Logger writing to logger. A nil logger yields a
// discarding Logger, so the result is always safe to pass to WithLogger:
//
//	cfg, _ := torgate.NewConfig(torgate.WithLogger(torgate.NewSlogAdapter(slog.Default())))
func NewSlogAdapter(logger *slog.Logger) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return &slogAdapter{logger: logger}
}

func (s *slogAdapter) Log(level string, msg string, keysAndValues ...any) {
	switch level {
	case "debug":
		s.logger.Debug(msg, keysAndValues...)
	case "info":
		s.logger.Info(msg, keysAndValues...)
	case "warn":
		s.logger.Warn(msg, keysAndValues...)
	case "error":
		s.logger.Error(msg, keysAndValues...)
	default:
		s.logger.Info(msg, keysAndValues...)
	}
}

// fieldLogger prepends a fixed set of key-value pairs to every entry.
type fieldLogger struct {
	base   Logger
	fields []any
}

// withFields returns a Logger that always logs the given key-value pairs.
func withFields(base Logger, keysAndValues ...any) Logger {
	if base == nil {
		base = noopLogger{}
	}
	if len(keysAndValues) == 0 {
		return base
	}
	if fl, ok := base.(*fieldLogger); ok {
		fields := append(append([]any(nil), fl.fields...), keysAndValues...)
		return &fieldLogger{base: fl.base, fields: fields}
	}
	return &fieldLogger{base: base, fields: append([]any(nil), keysAndValues...)}
}

func (l *fieldLogger) Log(level string, msg string, keysAndValues ...any) {
	kv := make([]any, 0, len(l.fields)+len(keysAndValues))
	kv = append(kv, l.fields...)
	kv = append(kv, keysAndValues...)
	l.base.Log(level, msg, kv...)
}
