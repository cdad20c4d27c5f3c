package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// NATSBus implements Bus over a core NATS connection. Reconnection is left to
// nats.go's built-in reconnect loop (configured below to the bounded schedule
// §4.1 mandates: 5 attempts, 5s rising to 25s); this backend additionally
// re-issues subscriptions on every reconnect because core NATS subscriptions
// created before a connection drop are not guaranteed to survive a full
// reconnect cycle started from scratch.
type NATSBus struct {
	url        string
	rootPrefix string
	log        *logging.Logger

	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*nats.Subscription
	disp *dispatcher
}

// NewNATSBus builds an unconnected NATS-backed Bus.
func NewNATSBus(url, rootPrefix string, log *logging.Logger) *NATSBus {
	return &NATSBus{
		url:        url,
		rootPrefix: rootPrefix,
		log:        log,
		subs:       make(map[string]*nats.Subscription),
		disp:       newDispatcher(log),
	}
}

func (b *NATSBus) fullSubject(topic string) string {
	if b.rootPrefix == "" {
		return topic
	}
	return b.rootPrefix + "." + topic
}

// reconnectDelays implements the 5-attempt, 5s->25s bounded backoff from
// §4.1 via nats.go's CustomReconnectDelay hook: the first attempt waits 5s
// and each later attempt doubles the prior delay, capped at 25s.
func reconnectDelays(attempts int) time.Duration {
	const (
		initialDelay = 5 * time.Second
		maxDelay     = 25 * time.Second
	)
	delay := initialDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	return delay
}

func (b *NATSBus) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(5),
		nats.CustomReconnectDelay(reconnectDelays),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.log.WithFields(map[string]interface{}{"url": c.ConnectedUrl()}).Warn("nats: reconnected, restoring subscriptions")
			b.restoreSubscriptions()
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				b.log.WithError(err).Warn("nats: disconnected")
			}
		}),
	}

	conn, err := nats.Connect(b.url, opts...)
	if err != nil {
		return errors.TransientBus("connect", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, evt model.Event) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return errors.TransientBus("publish", fmt.Errorf("not connected"))
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return errors.BadPayload(topic, err)
	}
	if err := conn.Publish(b.fullSubject(topic), data); err != nil {
		return errors.TransientBus("publish", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string, handler Handler) error {
	b.disp.register(topic, handler)
	return b.subscribeSubject(topic)
}

func (b *NATSBus) subscribeSubject(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; ok {
		return nil
	}
	if b.conn == nil {
		return errors.TransientBus("subscribe", fmt.Errorf("not connected"))
	}

	sub, err := b.conn.Subscribe(b.fullSubject(topic), func(msg *nats.Msg) {
		var evt model.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.WithError(err).Warn("nats: dropping unparseable message")
			return
		}
		b.disp.deliver(topic, evt)
	})
	if err != nil {
		return errors.TransientBus("subscribe", err)
	}
	b.subs[topic] = sub
	return nil
}

func (b *NATSBus) restoreSubscriptions() {
	for _, topic := range b.disp.topics() {
		b.mu.Lock()
		delete(b.subs, topic) // force re-subscribe against the new connection
		b.mu.Unlock()
		if err := b.subscribeSubject(topic); err != nil {
			b.log.WithError(err).WithFields(map[string]interface{}{"topic": topic}).Error("nats: failed to restore subscription")
		}
	}
}

func (b *NATSBus) Close() error {
	b.disp.close()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
