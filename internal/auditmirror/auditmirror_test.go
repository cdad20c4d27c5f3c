package auditmirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func newTestBus() (bus.Bus, *logging.Logger) {
	log := logging.New("auditmirror-test", "error", "text")
	return bus.NewMemoryBus(log), log
}

func decisionEvent(decisionID string) model.Event {
	return model.Event{
		EventID:       "evt-1",
		Topic:         model.TopicAuditDecision,
		Timestamp:     time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		Source:        "autonomy-router",
		Severity:      model.SeverityWarning,
		Sector:        "sector-9",
		CorrelationID: "plan-1",
		Details: map[string]interface{}{
			"decision_id": decisionID,
			"type":        "automated",
			"outcome":     "pending",
			"plan_id":     "plan-1",
		},
	}
}

func TestMirrorPostsHashToEndpoint(t *testing.T) {
	received := make(chan mirrorRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mirrorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b, log := newTestBus()
	m := NewMirror(b, log, srv.URL)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	evt := decisionEvent("AD-123")
	if err := b.Publish(context.Background(), model.TopicAuditDecision, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case req := <-received:
		if req.DecisionID != "AD-123" {
			t.Fatalf("decision_id = %q, want AD-123", req.DecisionID)
		}
		if req.PayloadHash == "" {
			t.Fatal("payload_hash was empty")
		}
		wantHash, err := hashPayload(evt)
		if err != nil {
			t.Fatalf("hashPayload: %v", err)
		}
		if req.PayloadHash != wantHash {
			t.Fatalf("payload_hash = %q, want %q", req.PayloadHash, wantHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirrored hash")
	}
}

func TestMirrorDemoModeNeverPosts(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	b, log := newTestBus()
	m := NewMirror(b, log, "")
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.handle(context.Background(), decisionEvent("AD-456")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if called {
		t.Fatal("demo mode must never reach an HTTP endpoint")
	}
}

func TestHashPayloadIsDeterministic(t *testing.T) {
	evt := decisionEvent("AD-789")
	h1, err := hashPayload(evt)
	if err != nil {
		t.Fatalf("hashPayload: %v", err)
	}
	h2, err := hashPayload(evt)
	if err != nil {
		t.Fatalf("hashPayload: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash is not deterministic: %q != %q", h1, h2)
	}

	mutated := evt
	mutated.Details = map[string]interface{}{
		"decision_id": "AD-789",
		"type":        "automated",
		"outcome":     "approved",
		"plan_id":     "plan-1",
	}
	h3, err := hashPayload(mutated)
	if err != nil {
		t.Fatalf("hashPayload: %v", err)
	}
	if h3 == h1 {
		t.Fatal("hash did not change when payload changed")
	}
}
