package deployment

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// PostgresVerificationStore implements VerificationStore against one of
// fix_verifications or defense_verifications.
type PostgresVerificationStore struct {
	db    *sql.DB
	table string
	log   *logging.Logger
}

// OpenVerificationStore connects to dsn and applies migrations (shared with
// PostgresStore, idempotent via IF NOT EXISTS).
func OpenVerificationStore(ctx context.Context, dsn, table string, log *logging.Logger) (*PostgresVerificationStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Fatal("verification.open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.TransientStore("verification.ping", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, errors.Fatal("verification.migrate", err)
	}
	return &PostgresVerificationStore{db: db, table: table, log: log}, nil
}

var _ VerificationStore = (*PostgresVerificationStore)(nil)

func (s *PostgresVerificationStore) Get(ctx context.Context, key string) (model.VerificationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, status, started_at, completed_at, per_action_results, aggregated_metrics, timeline FROM `+s.table+` WHERE key = $1`, key)
	rec, err := scanVerificationRow(row)
	if err == sql.ErrNoRows {
		return model.VerificationRecord{}, false, nil
	}
	if err != nil {
		return model.VerificationRecord{}, false, errors.TransientStore("verification.get", err)
	}
	return rec, true, nil
}

func (s *PostgresVerificationStore) CreateInProgress(ctx context.Context, key string) (model.VerificationRecord, error) {
	rec := model.VerificationRecord{
		Key:               key,
		Status:            model.VerificationInProgress,
		StartedAt:         time.Now().UTC(),
		AggregatedMetrics: make(map[string]float64),
	}
	rec.AppendTimeline(string(model.VerificationInProgress), "verification started", nil)

	results, _ := json.Marshal(rec.PerActionResults)
	aggregated, _ := json.Marshal(rec.AggregatedMetrics)
	timeline, _ := json.Marshal(rec.Timeline)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (key, status, started_at, per_action_results, aggregated_metrics, timeline)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET status=$2, started_at=$3, per_action_results=$4, aggregated_metrics=$5, timeline=$6, completed_at=NULL
	`, rec.Key, string(rec.Status), rec.StartedAt, string(results), string(aggregated), string(timeline))
	if err != nil {
		return model.VerificationRecord{}, errors.TransientStore("verification.create", err)
	}
	return rec, nil
}

func (s *PostgresVerificationStore) Complete(ctx context.Context, key string, status model.VerificationStatus, results []model.ActionVerdict, aggregated map[string]float64) error {
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		rec = model.VerificationRecord{Key: key, StartedAt: time.Now().UTC()}
	}
	rec.Status = status
	rec.PerActionResults = results
	rec.AggregatedMetrics = aggregated
	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.AppendTimeline(string(status), "verification completed", nil)

	resultsJSON, _ := json.Marshal(rec.PerActionResults)
	aggregatedJSON, _ := json.Marshal(rec.AggregatedMetrics)
	timelineJSON, _ := json.Marshal(rec.Timeline)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (key, status, started_at, completed_at, per_action_results, aggregated_metrics, timeline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET status=$2, completed_at=$4, per_action_results=$5, aggregated_metrics=$6, timeline=$7
	`, rec.Key, string(rec.Status), rec.StartedAt, rec.CompletedAt, string(resultsJSON), string(aggregatedJSON), string(timelineJSON))
	if err != nil {
		return errors.TransientStore("verification.complete", err)
	}
	return nil
}

func (s *PostgresVerificationStore) AppendTimeline(ctx context.Context, key, status, message string, data map[string]interface{}) error {
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		rec = model.VerificationRecord{Key: key, StartedAt: time.Now().UTC()}
	}
	rec.AppendTimeline(status, message, data)
	timelineJSON, _ := json.Marshal(rec.Timeline)
	_, err = s.db.ExecContext(ctx, `UPDATE `+s.table+` SET timeline=$2 WHERE key=$1`, key, string(timelineJSON))
	if err != nil {
		return errors.TransientStore("verification.append_timeline", err)
	}
	return nil
}

func (s *PostgresVerificationStore) InProgressKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM `+s.table+` WHERE status = $1`, string(model.VerificationInProgress))
	if err != nil {
		return nil, errors.TransientStore("verification.in_progress_keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.TransientStore("verification.in_progress_keys_scan", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresVerificationStore) Close() error {
	return s.db.Close()
}

func scanVerificationRow(row rowScanner) (model.VerificationRecord, error) {
	var rec model.VerificationRecord
	var status, results, timeline, aggregated string
	var completedAt sql.NullTime
	if err := row.Scan(&rec.Key, &status, &rec.StartedAt, &completedAt, &results, &aggregated, &timeline); err != nil {
		return model.VerificationRecord{}, err
	}
	rec.Status = model.VerificationStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	_ = json.Unmarshal([]byte(results), &rec.PerActionResults)
	_ = json.Unmarshal([]byte(aggregated), &rec.AggregatedMetrics)
	_ = json.Unmarshal([]byte(timeline), &rec.Timeline)
	return rec, nil
}
