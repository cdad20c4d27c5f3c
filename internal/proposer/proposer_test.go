package proposer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Rayyan0080/crisisgrid/internal/autonomy"
	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/cache"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/llm"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func newTestProposerAtLevel(t *testing.T, level autonomy.Level) (*Proposer, bus.Bus, eventstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	log := logging.New("proposer-test", "error", "text")
	b := bus.NewMemoryBus(log)
	store := eventstore.NewMemoryStore()
	dedup := cache.NewDedup(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "proposer", time.Hour)
	chain := llm.NewChain(log, []string{"rules"}, map[string]llm.Provider{"rules": llm.NewRulesProvider()})
	router := autonomy.New(b, store, level, log)

	p := New(b, store, chain, dedup, router, log)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, b, store
}

func newTestProposer(t *testing.T) (*Proposer, bus.Bus, eventstore.Store) {
	t.Helper()
	return newTestProposerAtLevel(t, autonomy.LevelNormal)
}

func TestProposerEmitsProposedAndReviewRequiredForCritical(t *testing.T) {
	_, b, _ := newTestProposer(t)
	ctx := context.Background()

	proposed := make(chan model.Event, 1)
	review := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixProposed, func(ctx context.Context, evt model.Event) error {
		proposed <- evt
		return nil
	})
	b.Subscribe(model.TopicFixReviewRequired, func(ctx context.Context, evt model.Event) error {
		review <- evt
		return nil
	})

	trigger := model.Event{
		EventID:   "trigger-1",
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "power-sensor",
		Severity:  model.SeverityCritical,
		Sector:    "sector-1",
		Details:   map[string]interface{}{"voltage": 0.0},
	}
	if err := b.Publish(ctx, trigger.Topic, trigger); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}

	select {
	case evt := <-proposed:
		if evt.DetailString("fix_id") == "" {
			t.Fatal("expected fix.proposed to carry a fix_id")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.proposed")
	}

	select {
	case <-review:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.review_required (power fix is risk_level=med, requires approval)")
	}
}

func TestProposerIgnoresNonCriticalSeverity(t *testing.T) {
	_, b, _ := newTestProposer(t)
	ctx := context.Background()

	proposed := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixProposed, func(ctx context.Context, evt model.Event) error {
		proposed <- evt
		return nil
	})

	trigger := model.Event{
		EventID:   "trigger-2",
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "power-sensor",
		Severity:  model.SeverityWarning,
		Sector:    "sector-1",
	}
	if err := b.Publish(ctx, trigger.Topic, trigger); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}

	select {
	case <-proposed:
		t.Fatal("did not expect fix.proposed for a non-critical event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProposerBypassesApprovalInHighAutonomy(t *testing.T) {
	_, b, _ := newTestProposerAtLevel(t, autonomy.LevelHigh)
	ctx := context.Background()

	review := make(chan model.Event, 1)
	deployRequested := make(chan model.Event, 1)
	b.Subscribe(model.TopicFixReviewRequired, func(ctx context.Context, evt model.Event) error {
		review <- evt
		return nil
	})
	b.Subscribe(model.TopicFixDeployRequested, func(ctx context.Context, evt model.Event) error {
		deployRequested <- evt
		return nil
	})

	trigger := model.Event{
		EventID:   "trigger-high-1",
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "power-sensor",
		Severity:  model.SeverityCritical,
		Sector:    "sector-1",
		Details:   map[string]interface{}{"voltage": 0.0},
	}
	if err := b.Publish(ctx, trigger.Topic, trigger); err != nil {
		t.Fatalf("publish trigger: %v", err)
	}

	select {
	case evt := <-deployRequested:
		if len(evt.Details["actions"].([]model.Action)) == 0 {
			t.Fatal("expected deploy_requested to carry the fix's actions")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fix.deploy_requested (HIGH autonomy should self-approve)")
	}

	select {
	case <-review:
		t.Fatal("did not expect fix.review_required in HIGH autonomy")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProposerDedupsRepeatedEventID(t *testing.T) {
	_, b, store := newTestProposer(t)
	ctx := context.Background()

	trigger := model.Event{
		EventID:   "trigger-3",
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "power-sensor",
		Severity:  model.SeverityCritical,
		Sector:    "sector-1",
	}
	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, trigger.Topic, trigger); err != nil {
			t.Fatalf("publish trigger: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	got, err := store.Query(ctx, eventstore.Query{Topics: []string{model.TopicFixProposed}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one fix.proposed despite duplicate trigger, got %d", len(got))
	}
}
