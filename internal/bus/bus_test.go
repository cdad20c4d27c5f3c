package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func testLogger() *logging.Logger {
	return logging.New("bus-test", "error", "text")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	received := make(chan model.Event, 1)
	if err := b.Subscribe(model.TopicPowerFailure, func(ctx context.Context, evt model.Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := model.Event{EventID: "e1", Topic: model.TopicPowerFailure, Severity: model.SeverityCritical}
	if err := b.Publish(context.Background(), model.TopicPowerFailure, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.EventID != "e1" {
			t.Fatalf("expected event e1, got %s", got.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDispatcherSerializesPerTopicOrder(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var order []string

	done := make(chan struct{})
	count := 0
	if err := b.Subscribe(model.TopicGeoIncident, func(ctx context.Context, evt model.Event) error {
		time.Sleep(time.Millisecond) // exaggerate any races
		mu.Lock()
		order = append(order, evt.EventID)
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		evt := model.Event{EventID: string(rune('a' + i)), Topic: model.TopicGeoIncident}
		if err := b.Publish(context.Background(), model.TopicGeoIncident, evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d", "e"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected FIFO order %v, got %v", want, order)
		}
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "carrier-pigeon"}, testLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
