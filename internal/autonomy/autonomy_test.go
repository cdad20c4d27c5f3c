package autonomy

import (
	"context"
	"testing"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func newTestRouter(t *testing.T, initial Level) (*Router, bus.Bus) {
	t.Helper()
	log := logging.New("autonomy-test", "error", "text")
	b := bus.NewMemoryBus(log)
	store := eventstore.NewMemoryStore()
	r := New(b, store, initial, log)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return r, b
}

func TestHighAutonomySkipsApproval(t *testing.T) {
	_, b := newTestRouter(t, LevelHigh)
	ctx := context.Background()

	decisions := make(chan model.Event, 1)
	actions := make(chan model.Event, 1)
	approvals := make(chan model.Event, 1)
	b.Subscribe(model.TopicAuditDecision, func(ctx context.Context, evt model.Event) error { decisions <- evt; return nil })
	b.Subscribe(model.TopicSystemAction, func(ctx context.Context, evt model.Event) error { actions <- evt; return nil })
	b.Subscribe(model.TopicApprovalRequired, func(ctx context.Context, evt model.Event) error { approvals <- evt; return nil })

	plan := model.Event{
		EventID:   "plan-1",
		Topic:     model.TopicRecoveryPlan,
		Timestamp: time.Now().UTC(),
		Severity:  model.SeverityCritical,
		Details:   map[string]interface{}{"plan_id": "RP-1"},
	}
	if err := b.Publish(ctx, plan.Topic, plan); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-decisions:
		if d.DetailString("type") != "automated" || d.DetailString("outcome") != "pending" {
			t.Fatalf("unexpected audit.decision details: %+v", d.Details)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audit.decision")
	}

	select {
	case a := <-actions:
		if a.DetailString("status") != "executing" {
			t.Fatalf("expected status=executing, got %+v", a.Details)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for system.action")
	}

	select {
	case <-approvals:
		t.Fatal("did not expect approval.required in HIGH autonomy mode")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNormalAutonomyRequiresApproval(t *testing.T) {
	_, b := newTestRouter(t, LevelNormal)
	ctx := context.Background()

	approvals := make(chan model.Event, 1)
	b.Subscribe(model.TopicApprovalRequired, func(ctx context.Context, evt model.Event) error { approvals <- evt; return nil })

	plan := model.Event{
		EventID:   "plan-2",
		Topic:     model.TopicRecoveryPlan,
		Timestamp: time.Now().UTC(),
		Severity:  model.SeverityCritical,
		Details:   map[string]interface{}{"plan_id": "RP-2"},
	}
	if err := b.Publish(ctx, plan.Topic, plan); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case a := <-approvals:
		if a.DetailString("expires_at") == "" {
			t.Fatal("expected approval.required to carry expires_at")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for approval.required")
	}
}

func TestOperatorStatusUpdatesLevel(t *testing.T) {
	r, b := newTestRouter(t, LevelNormal)
	ctx := context.Background()

	status := model.Event{
		EventID:   "status-1",
		Topic:     model.TopicOperatorStatus,
		Timestamp: time.Now().UTC(),
		Severity:  model.SeverityInfo,
		Details:   map[string]interface{}{"autonomy_level": "HIGH"},
	}
	if err := b.Publish(ctx, status.Topic, status); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if r.Level() != LevelHigh {
		t.Fatalf("expected level HIGH after operator.status, got %s", r.Level())
	}
}
