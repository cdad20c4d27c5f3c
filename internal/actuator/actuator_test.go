package actuator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/deployment"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func newTestActuator(t *testing.T) (*Actuator, bus.Bus, eventstore.Store, deployment.Store) {
	t.Helper()
	log := logging.New("actuator-test", "error", "text")
	b := bus.NewMemoryBus(log)
	store := eventstore.NewMemoryStore()
	dep := deployment.NewMemoryStore()
	return New(b, store, dep, log), b, store, dep
}

func deployRequestedEvent(fixID string, actions []model.Action) model.Event {
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicFixDeployRequested,
		Timestamp:     time.Now().UTC(),
		Source:        "test",
		Severity:      model.SeverityCritical,
		CorrelationID: "corr-" + fixID,
		Details: map[string]interface{}{
			"fix_id":  fixID,
			"actions": actions,
		},
	}
}

func TestActuatorEmitsStartedThenSucceededForKnownActions(t *testing.T) {
	a, b, _, dep := newTestActuator(t)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	started := make(chan model.Event, 1)
	succeeded := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixDeployStarted, func(ctx context.Context, evt model.Event) error { started <- evt; return nil })
	b.Subscribe(model.TopicFixDeploySucceeded, func(ctx context.Context, evt model.Event) error { succeeded <- evt; return nil })

	actions := []model.Action{{ID: "a1", Type: model.ActionTransitRerouteSim, Target: "route-9"}}
	evt := deployRequestedEvent("FIX-1", actions)
	if err := b.Publish(context.Background(), model.TopicFixDeployRequested, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.deploy_started")
	}
	select {
	case <-succeeded:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.deploy_succeeded")
	}

	rec, ok, err := dep.Get(context.Background(), "FIX-1")
	if err != nil || !ok {
		t.Fatalf("expected deployment record, ok=%v err=%v", ok, err)
	}
	if rec.Status != model.DeploymentSucceeded {
		t.Fatalf("expected succeeded status, got %s", rec.Status)
	}
}

func TestActuatorEmitsFailedForUnknownActionType(t *testing.T) {
	a, b, _, dep := newTestActuator(t)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixDeployFailed, func(ctx context.Context, evt model.Event) error { failed <- evt; return nil })

	actions := []model.Action{{ID: "a1", Type: "unknown-action-type", Target: "x"}}
	evt := deployRequestedEvent("FIX-2", actions)
	if err := b.Publish(context.Background(), model.TopicFixDeployRequested, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.deploy_failed")
	}

	rec, ok, err := dep.Get(context.Background(), "FIX-2")
	if err != nil || !ok {
		t.Fatalf("expected deployment record, ok=%v err=%v", ok, err)
	}
	if rec.Status != model.DeploymentFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
}

func TestActuatorSkipsRepeatDeployRequestedForSameFix(t *testing.T) {
	a, b, _, dep := newTestActuator(t)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	succeeded := make(chan model.Event, 2)
	b.Subscribe(model.TopicFixDeploySucceeded, func(ctx context.Context, evt model.Event) error { succeeded <- evt; return nil })

	actions := []model.Action{{ID: "a1", Type: model.ActionPowerRecoverySim, Target: "grid-1"}}
	evt := deployRequestedEvent("FIX-3", actions)

	if err := b.Publish(context.Background(), model.TopicFixDeployRequested, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-succeeded:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first fix.deploy_succeeded")
	}

	// Re-publish the same deploy_requested; the idempotency check must
	// absorb it silently rather than re-running the actions.
	if err := b.Publish(context.Background(), model.TopicFixDeployRequested, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-succeeded:
		t.Fatal("did not expect a second fix.deploy_succeeded for the same fix_id")
	case <-time.After(200 * time.Millisecond):
	}

	rec, _, _ := dep.Get(context.Background(), "FIX-3")
	if len(rec.Timeline) != 2 {
		t.Fatalf("expected exactly 2 timeline entries (started, succeeded), got %d", len(rec.Timeline))
	}
}
