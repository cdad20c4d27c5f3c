package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func TestPostgresStoreAppendExecutesInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := &PostgresStore{db: db}

	mock.ExpectExec("INSERT INTO bus_events").
		WithArgs("e1", model.TopicPowerFailure, sqlmock.AnyArg(), "test", string(model.SeverityCritical), "", "", nil, "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))

	evt := model.Event{
		EventID:   "e1",
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "test",
		Severity:  model.SeverityCritical,
	}
	if err := store.Append(context.Background(), evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendRejectsInvalidEvent(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := &PostgresStore{db: db}
	if err := store.Append(context.Background(), model.Event{}); err == nil {
		t.Fatal("expected validation error for empty event")
	}
}

func TestPostgresStoreQueryScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := &PostgresStore{db: db}
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"event_id", "topic", "ts", "source", "severity", "sector", "summary", "correlation_id", "details"}).
		AddRow("e1", model.TopicPowerFailure, now, "test", string(model.SeverityCritical), "sector-1", "summary", "corr-1", `{"fix_id":"F1"}`)

	mock.ExpectQuery("SELECT event_id, topic, ts, source, severity, sector, summary, correlation_id, details FROM bus_events").
		WillReturnRows(rows)

	got, err := store.Query(context.Background(), Query{Topics: []string{model.TopicPowerFailure}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "e1" {
		t.Fatalf("expected one scanned event, got %+v", got)
	}
	if got[0].DetailString("fix_id") != "F1" {
		t.Fatalf("expected fix_id F1, got %q", got[0].DetailString("fix_id"))
	}
}
