// Package bus provides the uniform publish/subscribe abstraction (C1) over a
// pluggable backend selected once at process start (§4.1). Exactly one
// backend is active per process; Bus.Publish/Subscribe never expose backend
// details to callers.
package bus

import (
	"context"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// Handler processes one Event delivered on a subscription. Returning an error
// only logs; it never escapes to the bus (propagation policy, §7).
type Handler func(ctx context.Context, evt model.Event) error

// Bus is the contract every backend implements. Backends provide
// at-least-once delivery and per-topic FIFO best-effort; neither total order
// across topics nor exactly-once delivery is assumed (§4.1).
type Bus interface {
	// Connect establishes the backend connection. It must be called before
	// Publish/Subscribe and may be retried by the caller on failure.
	Connect(ctx context.Context) error

	// Publish sends evt on topic. A publish issued during a reconnect gap
	// fails with a retriable *errors.EngineError of KindTransientBus.
	Publish(ctx context.Context, topic string, evt model.Event) error

	// Subscribe registers handler for topic. Handlers for a given
	// subscription are invoked in FIFO order by the dispatcher (see
	// dispatcher.go); handlers for different topics run concurrently.
	Subscribe(topic string, handler Handler) error

	// Close releases the backend connection and stops all dispatchers.
	Close() error
}

// Backend names recognized by the bus_backend configuration option (§6).
const (
	BackendNATS   = "nats"
	BackendSolace = "solace"
)
