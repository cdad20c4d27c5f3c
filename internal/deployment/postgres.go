package deployment

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// PostgresStore implements Store against one of fix_deployments or
// defense_deployments, selected by table. CreateStarted is where §5's locking
// contract lives: for an existing key the SELECT ... FOR UPDATE takes a row
// lock for the duration of the transaction, so a second concurrent
// CreateStarted blocks until the first commits and then observes the
// now-started row. For a new key there is no row to lock; the second
// caller's INSERT waits on the primary key and, once the first commits,
// fails with a unique violation returned as a TransientStore error, so
// only one caller ever enters the started state.
type PostgresStore struct {
	db    *sql.DB
	table string
	log   *logging.Logger
}

// OpenStore connects to dsn, applies migrations, and returns a PostgresStore
// scoped to table ("fix_deployments" or "defense_deployments").
func OpenStore(ctx context.Context, dsn, table string, log *logging.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Fatal("deployment.open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.TransientStore("deployment.ping", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, errors.Fatal("deployment.migrate", err)
	}
	return &PostgresStore{db: db, table: table, log: log}, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Get(ctx context.Context, key string) (model.DeploymentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, status, started_at, updated_at, executed_actions, error, timeline FROM `+s.table+` WHERE key = $1`, key)
	rec, err := scanDeploymentRow(row)
	if err == sql.ErrNoRows {
		return model.DeploymentRecord{}, false, nil
	}
	if err != nil {
		return model.DeploymentRecord{}, false, errors.TransientStore("deployment.get", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) CreateStarted(ctx context.Context, key string) (model.DeploymentRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DeploymentRecord{}, false, errors.TransientStore("deployment.begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT key, status, started_at, updated_at, executed_actions, error, timeline FROM `+s.table+` WHERE key = $1 FOR UPDATE`, key)
	existing, err := scanDeploymentRow(row)
	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC()
		rec := model.DeploymentRecord{Key: key, Status: model.DeploymentStarted, StartedAt: now, UpdatedAt: now}
		rec.AppendTimeline(string(model.DeploymentStarted), "deployment started", nil)
		if err := s.insert(ctx, tx, rec); err != nil {
			return model.DeploymentRecord{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return model.DeploymentRecord{}, false, errors.TransientStore("deployment.commit", err)
		}
		return rec, false, nil

	case err != nil:
		return model.DeploymentRecord{}, false, errors.TransientStore("deployment.select_for_update", err)

	case existing.InFlight():
		// Already started or succeeded: this is the idempotent no-op path.
		// Rolling back releases the lock without mutating anything.
		return existing, true, nil

	default:
		// Previously failed: allowed to restart.
		now := time.Now().UTC()
		existing.Status = model.DeploymentStarted
		existing.UpdatedAt = now
		existing.Error = ""
		existing.AppendTimeline(string(model.DeploymentStarted), "deployment restarted after prior failure", nil)
		if err := s.update(ctx, tx, existing); err != nil {
			return model.DeploymentRecord{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return model.DeploymentRecord{}, false, errors.TransientStore("deployment.commit", err)
		}
		return existing, false, nil
	}
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, key string, status model.DeploymentStatus, executedActions []model.ActionResult, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.TransientStore("deployment.begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT key, status, started_at, updated_at, executed_actions, error, timeline FROM `+s.table+` WHERE key = $1 FOR UPDATE`, key)
	rec, err := scanDeploymentRow(row)
	if err == sql.ErrNoRows {
		rec = model.DeploymentRecord{Key: key, StartedAt: time.Now().UTC()}
	} else if err != nil {
		return errors.TransientStore("deployment.select", err)
	}

	rec.Status = status
	rec.ExecutedActions = executedActions
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	rec.AppendTimeline(string(status), "deployment status updated", nil)

	if err := s.upsert(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.TransientStore("deployment.commit", err)
	}
	return nil
}

func (s *PostgresStore) insert(ctx context.Context, tx *sql.Tx, rec model.DeploymentRecord) error {
	actions, _ := json.Marshal(rec.ExecutedActions)
	timeline, _ := json.Marshal(rec.Timeline)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+s.table+` (key, status, started_at, updated_at, executed_actions, error, timeline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.Key, string(rec.Status), rec.StartedAt, rec.UpdatedAt, string(actions), rec.Error, string(timeline))
	if err != nil {
		return errors.TransientStore("deployment.insert", err)
	}
	return nil
}

func (s *PostgresStore) update(ctx context.Context, tx *sql.Tx, rec model.DeploymentRecord) error {
	actions, _ := json.Marshal(rec.ExecutedActions)
	timeline, _ := json.Marshal(rec.Timeline)
	_, err := tx.ExecContext(ctx, `
		UPDATE `+s.table+` SET status=$2, updated_at=$3, executed_actions=$4, error=$5, timeline=$6 WHERE key=$1
	`, rec.Key, string(rec.Status), rec.UpdatedAt, string(actions), rec.Error, string(timeline))
	if err != nil {
		return errors.TransientStore("deployment.update", err)
	}
	return nil
}

func (s *PostgresStore) upsert(ctx context.Context, tx *sql.Tx, rec model.DeploymentRecord) error {
	actions, _ := json.Marshal(rec.ExecutedActions)
	timeline, _ := json.Marshal(rec.Timeline)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+s.table+` (key, status, started_at, updated_at, executed_actions, error, timeline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET status=$2, updated_at=$4, executed_actions=$5, error=$6, timeline=$7
	`, rec.Key, string(rec.Status), rec.StartedAt, rec.UpdatedAt, string(actions), rec.Error, string(timeline))
	if err != nil {
		return errors.TransientStore("deployment.upsert", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeploymentRow(row rowScanner) (model.DeploymentRecord, error) {
	var rec model.DeploymentRecord
	var status, actions, timeline string
	var errMsg sql.NullString
	if err := row.Scan(&rec.Key, &status, &rec.StartedAt, &rec.UpdatedAt, &actions, &errMsg, &timeline); err != nil {
		return model.DeploymentRecord{}, err
	}
	rec.Status = model.DeploymentStatus(status)
	rec.Error = errMsg.String
	_ = json.Unmarshal([]byte(actions), &rec.ExecutedActions)
	_ = json.Unmarshal([]byte(timeline), &rec.Timeline)
	return rec, nil
}
