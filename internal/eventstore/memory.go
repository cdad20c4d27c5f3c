package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// MemoryStore is an in-process Store used by component tests and local dev
// runs without a Postgres instance. It honors the same query semantics as
// PostgresStore, including the gojq-based details-field filter.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.Event
	seen   map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(ctx context.Context, evt model.Event) error {
	if err := evt.Validate(); err != nil {
		return errors.BadPayload(evt.Topic, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[evt.EventID] {
		return nil
	}
	s.seen[evt.EventID] = true
	s.events = append(s.events, evt)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topicSet := make(map[string]bool, len(q.Topics))
	for _, t := range q.Topics {
		topicSet[t] = true
	}

	var out []model.Event
	for _, evt := range s.events {
		if len(topicSet) > 0 && !topicSet[evt.Topic] {
			continue
		}
		if !q.From.IsZero() && evt.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && evt.Timestamp.After(q.To) {
			continue
		}
		out = append(out, evt)
	}
	sortByTimestamp(out)

	if q.DetailsField != "" {
		filtered, err := filterByDetailsField(out, q.DetailsField, q.DetailsEquals)
		if err != nil {
			return nil, errors.BadPayload("eventstore.filter", err)
		}
		return filtered, nil
	}
	return out, nil
}

func (s *MemoryStore) ByCorrelation(ctx context.Context, correlationID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Event
	for _, evt := range s.events {
		if evt.CorrelationID == correlationID {
			out = append(out, evt)
		}
	}
	sortByTimestamp(out)
	return out, nil
}

// sortByTimestamp orders events by timestamp ascending, keeping append
// order for equal timestamps.
func sortByTimestamp(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
}

func (s *MemoryStore) ByDetailsField(ctx context.Context, topics []string, field, value string) ([]model.Event, error) {
	return s.Query(ctx, Query{Topics: topics, DetailsField: field, DetailsEquals: value})
}

func (s *MemoryStore) Close() error { return nil }
