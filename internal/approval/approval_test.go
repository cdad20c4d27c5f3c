package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func newTestServer(t *testing.T) (*httptest.Server, bus.Bus, eventstore.Store) {
	t.Helper()
	log := logging.New("approval-test", "error", "text")
	b := bus.NewMemoryBus(log)
	store := eventstore.NewMemoryStore()
	gate := New(b, store, log)

	r := mux.NewRouter()
	gate.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, b, store
}

func seedReviewRequired(t *testing.T, store eventstore.Store, fixID, correlationID string) {
	t.Helper()
	evt := model.Event{
		EventID:       "review-" + fixID,
		Topic:         model.TopicFixReviewRequired,
		Timestamp:     time.Now().UTC(),
		Severity:      model.SeverityCritical,
		CorrelationID: correlationID,
		Details:       map[string]interface{}{"fix_id": fixID},
	}
	if err := store.Append(context.Background(), evt); err != nil {
		t.Fatalf("seed review_required: %v", err)
	}
}

func TestApproveEmitsApprovedThenDeployRequested(t *testing.T) {
	srv, b, store := newTestServer(t)
	seedReviewRequired(t, store, "FIX-1", "corr-1")

	approved := make(chan model.Event, 1)
	deployReq := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixApproved, func(ctx context.Context, evt model.Event) error { approved <- evt; return nil })
	b.Subscribe(model.TopicFixDeployRequested, func(ctx context.Context, evt model.Event) error { deployReq <- evt; return nil })

	body, _ := json.Marshal(map[string]string{"approver_id": "op-1"})
	resp, err := http.Post(srv.URL+"/fixes/FIX-1/approve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case evt := <-approved:
		if evt.CorrelationID != "corr-1" {
			t.Fatalf("expected correlation_id propagated, got %q", evt.CorrelationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.approved")
	}
	select {
	case <-deployReq:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.deploy_requested")
	}
}

func TestApproveRejectsFixNotInReview(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"approver_id": "op-1"})
	resp, err := http.Post(srv.URL+"/fixes/FIX-UNKNOWN/approve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unreviewable fix, got %d", resp.StatusCode)
	}
}

func TestRejectEmitsOnlyRejected(t *testing.T) {
	srv, b, store := newTestServer(t)
	seedReviewRequired(t, store, "FIX-2", "corr-2")

	rejected := make(chan model.Event, 1)
	approved := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixRejected, func(ctx context.Context, evt model.Event) error { rejected <- evt; return nil })
	b.Subscribe(model.TopicFixApproved, func(ctx context.Context, evt model.Event) error { approved <- evt; return nil })

	body, _ := json.Marshal(map[string]string{"approver_id": "op-1", "reason": "insufficient evidence"})
	resp, err := http.Post(srv.URL+"/fixes/FIX-2/reject", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.rejected")
	}
	select {
	case <-approved:
		t.Fatal("did not expect fix.approved after reject")
	case <-time.After(100 * time.Millisecond):
	}
}
