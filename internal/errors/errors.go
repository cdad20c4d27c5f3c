// Package errors provides the unified error taxonomy used across the
// fix-lifecycle engine (§7 Error Handling Design).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the five error categories the design calls out. Handlers
// switch on Kind to decide whether to retry locally, drop-and-log, emit a
// terminal *.failed event, or exit the process.
type Kind string

const (
	// KindTransientBus covers bus disconnects; the caller should retry.
	KindTransientBus Kind = "TransientBus"
	// KindTransientStore covers event-store network errors; retry with backoff.
	KindTransientStore Kind = "TransientStore"
	// KindBadPayload covers schema validation failures; log at warning and drop.
	KindBadPayload Kind = "BadPayload"
	// KindBusinessInvariant covers violations such as an unknown action type;
	// the owning component emits an explicit *.failed event.
	KindBusinessInvariant Kind = "BusinessInvariant"
	// KindFatal covers boot-time misconfiguration; the process exits.
	KindFatal Kind = "Fatal"
)

// EngineError is a structured error carrying the kind, an HTTP-ish status for
// any control-plane surface, and optional diagnostic details.
type EngineError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a diagnostic key/value pair and returns e for chaining.
func (e *EngineError) WithDetails(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the handler should retry locally per §7.
func (e *EngineError) Retryable() bool {
	return e.Kind == KindTransientBus || e.Kind == KindTransientStore
}

// New builds an EngineError of the given kind.
func New(kind Kind, message string, httpStatus int) *EngineError {
	return &EngineError{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds an EngineError around an existing cause.
func Wrap(kind Kind, message string, httpStatus int, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// TransientBus wraps a bus disconnect/publish-during-gap error.
func TransientBus(operation string, err error) *EngineError {
	return Wrap(KindTransientBus, "bus operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// TransientStore wraps an event-store network error.
func TransientStore(operation string, err error) *EngineError {
	return Wrap(KindTransientStore, "event store operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// BadPayload signals a schema validation failure; the caller drops the message.
func BadPayload(topic string, err error) *EngineError {
	return Wrap(KindBadPayload, "payload failed schema validation", http.StatusBadRequest, err).
		WithDetails("topic", topic)
}

// UnknownActionType is the canonical BusinessInvariant violation from §4.6/S6.
func UnknownActionType(actionType string) *EngineError {
	return New(KindBusinessInvariant, fmt.Sprintf("unknown action type %q", actionType), http.StatusUnprocessableEntity).
		WithDetails("action_type", actionType)
}

// BusinessInvariant wraps any other invariant violation.
func BusinessInvariant(message string, details map[string]interface{}) *EngineError {
	e := New(KindBusinessInvariant, message, http.StatusUnprocessableEntity)
	for k, v := range details {
		e.WithDetails(k, v)
	}
	return e
}

// Fatal wraps a boot-time misconfiguration; callers should exit non-zero.
func Fatal(message string, err error) *EngineError {
	return Wrap(KindFatal, message, http.StatusInternalServerError, err)
}

// NotFound signals a missing record (e.g. deployment record absent).
func NotFound(resource, id string) *EngineError {
	return New(KindBusinessInvariant, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// As is a thin re-export of errors.As so callers avoid importing both packages.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a thin re-export of errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
