package bus

import (
	"context"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// MemoryBus is an in-process Bus used by component tests and by local
// development runs that have no NATS/Postgres available. It honors the same
// per-topic FIFO dispatcher contract as the real backends.
type MemoryBus struct {
	disp *dispatcher
}

// NewMemoryBus builds a ready-to-use in-process Bus.
func NewMemoryBus(log *logging.Logger) *MemoryBus {
	return &MemoryBus{disp: newDispatcher(log)}
}

func (b *MemoryBus) Connect(ctx context.Context) error { return nil }

func (b *MemoryBus) Publish(ctx context.Context, topic string, evt model.Event) error {
	b.disp.deliver(topic, evt)
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	b.disp.register(topic, handler)
	return nil
}

func (b *MemoryBus) Close() error {
	b.disp.close()
	return nil
}
