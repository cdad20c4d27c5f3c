package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// MemoryStore implements Store with a single mutex, which is sufficient for
// the atomicity §5 requires: the whole check-then-set happens while holding
// the lock, so no interleaving is possible.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.DeploymentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.DeploymentRecord)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, key string) (model.DeploymentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) CreateStarted(ctx context.Context, key string) (model.DeploymentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[key]
	if ok && existing.InFlight() {
		return existing, true, nil
	}

	now := time.Now().UTC()
	rec := model.DeploymentRecord{
		Key:       key,
		Status:    model.DeploymentStarted,
		StartedAt: now,
		UpdatedAt: now,
	}
	rec.AppendTimeline(string(model.DeploymentStarted), "deployment started", nil)
	s.records[key] = rec
	return rec, false, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, key string, status model.DeploymentStatus, executedActions []model.ActionResult, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = model.DeploymentRecord{Key: key, StartedAt: time.Now().UTC()}
	}
	rec.Status = status
	rec.ExecutedActions = executedActions
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	rec.AppendTimeline(string(status), "deployment status updated", nil)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryVerificationStore mirrors MemoryStore for verification records.
type MemoryVerificationStore struct {
	mu      sync.Mutex
	records map[string]model.VerificationRecord
}

func NewMemoryVerificationStore() *MemoryVerificationStore {
	return &MemoryVerificationStore{records: make(map[string]model.VerificationRecord)}
}

var _ VerificationStore = (*MemoryVerificationStore)(nil)

func (s *MemoryVerificationStore) Get(ctx context.Context, key string) (model.VerificationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryVerificationStore) CreateInProgress(ctx context.Context, key string) (model.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := model.VerificationRecord{
		Key:               key,
		Status:            model.VerificationInProgress,
		StartedAt:         time.Now().UTC(),
		AggregatedMetrics: make(map[string]float64),
	}
	rec.AppendTimeline(string(model.VerificationInProgress), "verification started", nil)
	s.records[key] = rec
	return rec, nil
}

func (s *MemoryVerificationStore) Complete(ctx context.Context, key string, status model.VerificationStatus, results []model.ActionVerdict, aggregated map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = model.VerificationRecord{Key: key, StartedAt: time.Now().UTC()}
	}
	rec.Status = status
	rec.PerActionResults = results
	rec.AggregatedMetrics = aggregated
	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.AppendTimeline(string(status), "verification completed", nil)
	s.records[key] = rec
	return nil
}

func (s *MemoryVerificationStore) AppendTimeline(ctx context.Context, key, status, message string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = model.VerificationRecord{Key: key, StartedAt: time.Now().UTC()}
	}
	rec.AppendTimeline(status, message, data)
	s.records[key] = rec
	return nil
}

func (s *MemoryVerificationStore) InProgressKeys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, rec := range s.records {
		if rec.Status == model.VerificationInProgress {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryVerificationStore) Close() error { return nil }
