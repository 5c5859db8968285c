package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harborguard/internal/tracing"
)

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *zap.Logger
}

// LogEntry accumulates fields until one of the level methods emits it
type LogEntry struct {
	logger *Logger
	fields []zap.Field
}

// New creates a new structured logger for the given service at info level
func New(service string) *Logger {
	l, err := NewWithLevel(service, "info")
	if err != nil {
		return NewWithZap(service, zap.NewNop())
	}
	return l
}

// NewWithLevel creates a JSON logger writing to stdout at the given level
func NewWithLevel(service, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return NewWithZap(service, z), nil
}

// NewWithZap wraps an existing zap logger
func NewWithZap(service string, z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	if service != "" {
		z = z.With(zap.String("service", service))
	}
	return &Logger{service: service, base: z}
}

// ParseLevel maps debug|info|warn|error to a zap level; empty means info
func ParseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Sync flushes buffered entries
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.fields = append(entry.fields, zap.String("trace_id", traceID))
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// WithTenant sets the tenant ID for the log entry
func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	return e.with(zap.String("tenant_id", tenantID))
}

// WithEvent sets the event name for the log entry
func (e *LogEntry) WithEvent(event string) *LogEntry {
	return e.with(zap.String("event", event))
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	return e.with(zap.String("delivery_id", deliveryID))
}

// WithDestination sets the destination ID for the log entry
func (e *LogEntry) WithDestination(destinationID string) *LogEntry {
	return e.with(zap.String("destination_id", destinationID))
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return e.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.with(zap.String("error", err.Error()))
}

func (e *LogEntry) with(f zap.Field) *LogEntry {
	e.fields = append(e.fields, f)
	return e
}

func (e *LogEntry) Debug(message string) { e.logger.base.Debug(message, e.fields...) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.logger.base.Debug(fmt.Sprintf(format, args...), e.fields...)
}

func (e *LogEntry) Info(message string) { e.logger.base.Info(message, e.fields...) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.logger.base.Info(fmt.Sprintf(format, args...), e.fields...)
}

func (e *LogEntry) Warn(message string) { e.logger.base.Warn(message, e.fields...) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.logger.base.Warn(fmt.Sprintf(format, args...), e.fields...)
}

func (e *LogEntry) Error(message string) { e.logger.base.Error(message, e.fields...) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.logger.base.Error(fmt.Sprintf(format, args...), e.fields...)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.logger.base.Fatal(message, e.fields...) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.logger.base.Fatal(fmt.Sprintf(format, args...), e.fields...)
}

var defaultLogger = New("harborguard")

// SetDefault replaces the package-level logger
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the package-level logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}
