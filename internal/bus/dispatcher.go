package bus

import (
	"context"
	"sync"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// dispatcher fans a single topic's deliveries out to its registered handlers
// while serializing delivery order for that topic: one worker goroutine per
// topic drains an ordered queue, so messages on a single subscription are
// processed FIFO by the subscriber's dispatcher (the choice called for in
// §4.1) even though different topics proceed concurrently with each other.
type dispatcher struct {
	log *logging.Logger

	mu    sync.RWMutex
	queue map[string]chan model.Event
	subs  map[string][]Handler
	done  chan struct{}
	wg    sync.WaitGroup
}

func newDispatcher(log *logging.Logger) *dispatcher {
	return &dispatcher{
		log:   log,
		queue: make(map[string]chan model.Event),
		subs:  make(map[string][]Handler),
		done:  make(chan struct{}),
	}
}

// register adds handler for topic, starting the topic's worker on first use.
func (d *dispatcher) register(topic string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subs[topic] = append(d.subs[topic], handler)

	if _, ok := d.queue[topic]; !ok {
		ch := make(chan model.Event, 256)
		d.queue[topic] = ch
		d.wg.Add(1)
		go d.worker(topic, ch)
	}
}

// deliver enqueues evt for topic's worker. Events for a topic with no
// registered handler are dropped. When the topic's 256-slot queue is full,
// deliver blocks the producer until the worker frees a slot or the
// dispatcher is closed; a queued event is never dropped.
func (d *dispatcher) deliver(topic string, evt model.Event) {
	d.mu.RLock()
	ch, ok := d.queue[topic]
	d.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- evt:
	case <-d.done:
	}
}

func (d *dispatcher) worker(topic string, ch chan model.Event) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-ch:
			d.mu.RLock()
			handlers := append([]Handler(nil), d.subs[topic]...)
			d.mu.RUnlock()
			for _, h := range handlers {
				if err := h(context.Background(), evt); err != nil {
					d.log.WithError(err).WithFields(map[string]interface{}{
						"topic":    topic,
						"event_id": evt.EventID,
					}).Warn("handler returned error")
				}
			}
		case <-d.done:
			return
		}
	}
}

// topics returns the set of topics with at least one registered handler, used
// to restore subscriptions against a backend after reconnect.
func (d *dispatcher) topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.subs))
	for t := range d.subs {
		out = append(out, t)
	}
	return out
}

func (d *dispatcher) close() {
	close(d.done)
	d.wg.Wait()
}
