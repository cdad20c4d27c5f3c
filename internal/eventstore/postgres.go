package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
	_ "github.com/lib/pq"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// PostgresStore is the production Store backed by PostgreSQL, following the
// teacher's raw database/sql + lib/pq pattern (storage/postgres/store.go):
// no ORM, JSON-marshaled detail columns, context-scoped queries.
type PostgresStore struct {
	db  *sql.DB
	log *logging.Logger
}

// Open connects to dsn and applies embedded migrations.
func Open(ctx context.Context, dsn string, log *logging.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Fatal("eventstore.open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.TransientStore("eventstore.ping", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, errors.Fatal("eventstore.migrate", err)
	}
	return &PostgresStore{db: db, log: log}, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Append(ctx context.Context, evt model.Event) error {
	if err := evt.Validate(); err != nil {
		return errors.BadPayload(evt.Topic, err)
	}
	rawDetails := evt.Details
	if rawDetails == nil {
		rawDetails = map[string]interface{}{}
	}
	details, err := json.Marshal(rawDetails)
	if err != nil {
		return errors.BadPayload(evt.Topic, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bus_events (event_id, topic, ts, source, severity, sector, summary, correlation_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`, evt.EventID, evt.Topic, evt.Timestamp.UTC(), evt.Source, string(evt.Severity), evt.Sector, evt.Summary, nullable(evt.CorrelationID), string(details))
	if err != nil {
		return errors.TransientStore("eventstore.append", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]model.Event, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	argN := 0
	next := func(v interface{}) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	if len(q.Topics) > 0 {
		placeholders := make([]string, len(q.Topics))
		for i, t := range q.Topics {
			placeholders[i] = next(t)
		}
		clauses = append(clauses, fmt.Sprintf("topic IN (%s)", strings.Join(placeholders, ",")))
	}
	if !q.From.IsZero() {
		clauses = append(clauses, fmt.Sprintf("ts >= %s", next(q.From.UTC())))
	}
	if !q.To.IsZero() {
		clauses = append(clauses, fmt.Sprintf("ts <= %s", next(q.To.UTC())))
	}

	query := fmt.Sprintf("SELECT event_id, topic, ts, source, severity, sector, summary, correlation_id, details FROM bus_events WHERE %s ORDER BY ts ASC", strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.TransientStore("eventstore.query", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, errors.TransientStore("eventstore.scan", err)
	}

	if q.DetailsField != "" {
		events, err = filterByDetailsField(events, q.DetailsField, q.DetailsEquals)
		if err != nil {
			return nil, errors.BadPayload("eventstore.filter", err)
		}
	}
	return events, nil
}

func (s *PostgresStore) ByCorrelation(ctx context.Context, correlationID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, topic, ts, source, severity, sector, summary, correlation_id, details
		FROM bus_events WHERE correlation_id = $1 ORDER BY ts ASC
	`, correlationID)
	if err != nil {
		return nil, errors.TransientStore("eventstore.by_correlation", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, errors.TransientStore("eventstore.scan", err)
	}
	return events, nil
}

func (s *PostgresStore) ByDetailsField(ctx context.Context, topics []string, field, value string) ([]model.Event, error) {
	return s.Query(ctx, Query{Topics: topics, DetailsField: field, DetailsEquals: value})
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var (
			evt           model.Event
			severity      string
			correlationID sql.NullString
			detailsRaw    string
		)
		if err := rows.Scan(&evt.EventID, &evt.Topic, &evt.Timestamp, &evt.Source, &severity, &evt.Sector, &evt.Summary, &correlationID, &detailsRaw); err != nil {
			return nil, err
		}
		evt.Severity = model.Severity(severity)
		evt.CorrelationID = correlationID.String
		// Store normalizes reads to timezone-aware timestamps per §4.2.
		evt.Timestamp = evt.Timestamp.UTC()
		if err := json.Unmarshal([]byte(detailsRaw), &evt.Details); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// filterByDetailsField applies an arbitrary details-field equality filter
// using gojq, so query.DetailsField can name any key (not just the
// SQL-indexed fix_id/threat_id columns) including dotted nested paths.
func filterByDetailsField(events []model.Event, field, want string) ([]model.Event, error) {
	q, err := gojq.Parse(fmt.Sprintf(".%s", field))
	if err != nil {
		return nil, fmt.Errorf("eventstore: invalid details field %q: %w", field, err)
	}
	var out []model.Event
	for _, evt := range events {
		iter := q.Run(map[string]interface{}(evt.Details))
		v, ok := iter.Next()
		if !ok {
			continue
		}
		if err, isErr := v.(error); isErr {
			if err != nil {
				continue
			}
		}
		if fmt.Sprintf("%v", v) == want {
			out = append(out, evt)
		}
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
