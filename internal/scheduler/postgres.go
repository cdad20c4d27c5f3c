package scheduler

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
)

// PostgresStore persists scheduled tasks so a restart rediscovers pending
// verification windows via Due(ctx, now) rather than losing them to a
// goroutine sleep that died with the process.
type PostgresStore struct {
	db  *sql.DB
	log *logging.Logger
}

func OpenStore(ctx context.Context, dsn string, log *logging.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Fatal("scheduler.open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.TransientStore("scheduler.ping", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, errors.Fatal("scheduler.migrate", err)
	}
	return &PostgresStore{db: db, log: log}, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Schedule(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (kind, key, wake_at, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, key) DO UPDATE SET wake_at = $3, payload = $4
	`, task.Kind, task.Key, task.WakeAt.UTC(), task.Payload)
	if err != nil {
		return errors.TransientStore("scheduler.schedule", err)
	}
	return nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, key, wake_at, payload FROM scheduled_tasks WHERE wake_at <= $1`, now.UTC())
	if err != nil {
		return nil, errors.TransientStore("scheduler.due", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.Kind, &t.Key, &t.WakeAt, &t.Payload); err != nil {
			return nil, errors.TransientStore("scheduler.due_scan", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) Remove(ctx context.Context, key, kind string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE kind = $1 AND key = $2`, kind, key)
	if err != nil {
		return errors.TransientStore("scheduler.remove", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
