package verifier

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
	"github.com/Rayyan0080/crisisgrid/internal/scheduler"
)

func newTestVerifier(t *testing.T) (*Verifier, bus.Bus, eventstore.Store, deployment.VerificationStore, *scheduler.Scheduler) {
	t.Helper()
	log := logging.New("verifier-test", "error", "text")
	b := bus.NewMemoryBus(log)
	store := eventstore.NewMemoryStore()
	verStore := deployment.NewMemoryVerificationStore()
	sched := scheduler.New(scheduler.NewMemoryStore(), log, "50ms")
	v := New(b, store, verStore, sched, log)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler Start: %v", err)
	}
	t.Cleanup(sched.Stop)
	return v, b, store, verStore, sched
}

func seedDeployRequested(t *testing.T, store eventstore.Store, fixID string, actions []model.Action) {
	t.Helper()
	evt := model.Event{
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
	if err := store.Append(context.Background(), evt); err != nil {
		t.Fatalf("seed deploy_requested: %v", err)
	}
}

func deploySucceededEvent(fixID string, deployTime time.Time) model.Event {
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicFixDeploySucceeded,
		Timestamp:     deployTime,
		Source:        "test",
		Severity:      model.SeverityCritical,
		CorrelationID: "corr-" + fixID,
		Details:       map[string]interface{}{"fix_id": fixID},
	}
}

func TestVerifierPublishesVerifiedWhenMetricImproves(t *testing.T) {
	v, b, store, verStore, _ := newTestVerifier(t)

	fixID := "FIX-1"
	actions := []model.Action{{
		ID:     "a1",
		Type:   model.ActionPowerRecoverySim,
		Target: "grid-1",
		Verification: &model.Verification{
			Metric:        "voltage_stable",
			Threshold:     1,
			WindowSeconds: 0,
			Polarity:      model.PolarityStability,
		},
	}}
	seedDeployRequested(t, store, fixID, actions)

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	verified := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixVerified, func(ctx context.Context, evt model.Event) error { verified <- evt; return nil })

	evt := deploySucceededEvent(fixID, time.Now().UTC())
	if err := b.Publish(context.Background(), model.TopicFixDeploySucceeded, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-verified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fix.verified")
	}

	rec, ok, err := verStore.Get(context.Background(), fixID)
	if err != nil || !ok {
		t.Fatalf("expected verification record, ok=%v err=%v", ok, err)
	}
	if rec.Status != model.VerificationVerified {
		t.Fatalf("expected verified status, got %s", rec.Status)
	}
}

func TestVerifierPublishesRollbackRequestedWhenMetricFails(t *testing.T) {
	v, b, store, verStore, _ := newTestVerifier(t)

	fixID := "FIX-2"
	actions := []model.Action{{
		ID:     "a1",
		Type:   model.ActionPowerRecoverySim,
		Target: "grid-2",
		Verification: &model.Verification{
			Metric:        "voltage_stable",
			Threshold:     1,
			WindowSeconds: 0,
			Polarity:      model.PolarityStability,
		},
	}}
	seedDeployRequested(t, store, fixID, actions)

	// Seed an ongoing power.failure event inside the (zero-width) window so
	// the stability check reads "unstable".
	failureEvt := model.Event{
		EventID:   uuid.NewString(),
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "test",
		Severity:  model.SeverityCritical,
		Details:   map[string]interface{}{},
	}
	if err := store.Append(context.Background(), failureEvt); err != nil {
		t.Fatalf("seed power failure: %v", err)
	}

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rollback := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixRollbackRequest, func(ctx context.Context, evt model.Event) error { rollback <- evt; return nil })

	evt := deploySucceededEvent(fixID, failureEvt.Timestamp)
	if err := b.Publish(context.Background(), model.TopicFixDeploySucceeded, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-rollback:
		actions, ok := evt.Details["rollback_actions"].([]rollbackAction)
		if !ok || len(actions) != 1 {
			t.Fatalf("expected one rollback action spec, got %#v", evt.Details["rollback_actions"])
		}
		if actions[0].Target != "grid-2" {
			t.Fatalf("expected rollback action target to match the failing action's target grid-2, got %q", actions[0].Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fix.rollback_requested")
	}

	rec, ok, err := verStore.Get(context.Background(), fixID)
	if err != nil || !ok {
		t.Fatalf("expected verification record, ok=%v err=%v", ok, err)
	}
	if rec.Status != model.VerificationFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
}

func TestVerifierSkipsFixWithNoVerifiableActions(t *testing.T) {
	v, b, store, verStore, _ := newTestVerifier(t)

	fixID := "FIX-3"
	actions := []model.Action{{ID: "a1", Type: model.ActionTransitRerouteSim, Target: "route-1"}}
	seedDeployRequested(t, store, fixID, actions)

	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	verified := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixVerified, func(ctx context.Context, evt model.Event) error { verified <- evt; return nil })

	evt := deploySucceededEvent(fixID, time.Now().UTC())
	if err := b.Publish(context.Background(), model.TopicFixDeploySucceeded, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-verified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fix.verified")
	}

	rec, ok, _ := verStore.Get(context.Background(), fixID)
	if !ok || rec.Status != model.VerificationVerified {
		t.Fatalf("expected verified status with no verdicts, got %+v", rec)
	}
}
