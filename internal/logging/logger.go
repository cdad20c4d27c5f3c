// Package logging provides structured logging with correlation ID propagation
// for the fix-lifecycle engine.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried alongside a request or event.
type ContextKey string

const (
	// CorrelationIDKey is the context key for the bus correlation id.
	CorrelationIDKey ContextKey = "correlation_id"
	// FixIDKey is the context key for the fix under processing.
	FixIDKey ContextKey = "fix_id"
	// ThreatIDKey is the context key for the threat under processing.
	ThreatIDKey ContextKey = "threat_id"
	// ComponentKey is the context key for the emitting component.
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with fix-engine specific context helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the named component with the given level/format.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger reading LOG_LEVEL (default info) and LOG_FORMAT
// (default json) from the environment, per the Configuration section of the
// system design.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	return New(component, level, format)
}

// WithContext returns an entry enriched with any correlation/fix/threat ids
// carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if v := ctx.Value(CorrelationIDKey); v != nil {
		entry = entry.WithField("correlation_id", v)
	}
	if v := ctx.Value(FixIDKey); v != nil {
		entry = entry.WithField("fix_id", v)
	}
	if v := ctx.Value(ThreatIDKey); v != nil {
		entry = entry.WithField("threat_id", v)
	}
	return entry
}

// WithFields returns an entry tagged with the component name and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError returns an entry tagged with the component name and an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithFixID attaches a fix id to ctx.
func WithFixID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, FixIDKey, id)
}

// WithThreatID attaches a threat id to ctx.
func WithThreatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ThreatIDKey, id)
}

// NewEventID mints a process-generated unique event identifier (§3 Event envelope).
func NewEventID() string {
	return uuid.New().String()
}
