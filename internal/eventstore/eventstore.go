// Package eventstore implements the append-only event log (C2, §4.2): every
// message published on the bus is durably logged here, queryable by topic,
// timestamp window, and a details-field equality filter.
package eventstore

import (
	"context"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// Query expresses the contract of spec §4.2: "return all events whose
// topic ∈ S and whose timestamp falls in [t0, t1], optionally filtered by a
// details-field equality."
type Query struct {
	Topics        []string
	From          time.Time
	To            time.Time
	DetailsField  string // e.g. "fix_id", "threat_id"; empty means no filter
	DetailsEquals string
}

// Store is the event store contract. Implementations must normalize read
// timestamps to timezone-aware values (§4.2) and must fail closed on a
// backend outage (§9 open question) rather than silently returning no rows.
type Store interface {
	// Append durably logs evt. evt.Timestamp must already be timezone-aware;
	// callers are expected to have run model.Event.Validate first.
	Append(ctx context.Context, evt model.Event) error

	// Query returns events matching q, ordered by timestamp ascending.
	Query(ctx context.Context, q Query) ([]model.Event, error)

	// ByCorrelation returns every event sharing correlationID, ordered by
	// timestamp ascending. Used by verifiers establishing correlation closure
	// (§8 testable property 4).
	ByCorrelation(ctx context.Context, correlationID string) ([]model.Event, error)

	// ByDetailsField is a convenience wrapper for the common
	// details.fix_id / details.threat_id lookups (§4.2).
	ByDetailsField(ctx context.Context, topics []string, field, value string) ([]model.Event, error)

	Close() error
}
