package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

func testLogger() *logging.Logger {
	return logging.New("llm-test", "error", "text")
}

func TestRulesProviderNeverErrors(t *testing.T) {
	r := NewRulesProvider()
	trigger := model.Event{
		EventID:   "e1",
		Topic:     model.TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Severity:  model.SeverityCritical,
		Sector:    "sector-1",
		Details:   map[string]interface{}{"voltage": 0.0},
	}
	fix, err := r.ProposeFix(context.Background(), trigger)
	if err != nil {
		t.Fatalf("rules provider must never error: %v", err)
	}
	if len(fix.Actions) != 1 {
		t.Fatalf("expected exactly one action, got %d", len(fix.Actions))
	}
	if fix.Actions[0].Type != model.ActionPowerRecoverySim {
		t.Fatalf("expected power-recovery-sim for power.failure, got %s", fix.Actions[0].Type)
	}
	if !fix.Actions[0].Verifiable() {
		t.Fatal("expected rule-generated action to carry a verification clause")
	}
}

type failingProvider struct{ name string }

func (f failingProvider) Name() string { return f.name }
func (f failingProvider) ProposeFix(ctx context.Context, trigger model.Event) (model.Fix, error) {
	return model.Fix{}, errors.New("boom")
}

func TestChainFallsBackToRulesOnFailure(t *testing.T) {
	chain := NewChain(testLogger(), []string{"external-llm-a", "rules"}, map[string]Provider{
		"external-llm-a": failingProvider{name: ProviderExternalLLMA},
		"rules":          NewRulesProvider(),
	})

	trigger := model.Event{
		EventID:   "e1",
		Topic:     model.TopicGeoIncident,
		Timestamp: time.Now().UTC(),
		Severity:  model.SeverityCritical,
		Sector:    "sector-2",
	}
	fix, err := chain.Propose(context.Background(), trigger)
	if err != nil {
		t.Fatalf("expected fallback to rules to succeed: %v", err)
	}
	if fix.Source != model.SourceRules {
		t.Fatalf("expected fix source rules after fallback, got %s", fix.Source)
	}
}

func TestChainSkipsUnknownProviderName(t *testing.T) {
	chain := NewChain(testLogger(), []string{"nonexistent", "rules"}, map[string]Provider{
		"rules": NewRulesProvider(),
	})
	if len(chain.providers) != 1 {
		t.Fatalf("expected only the rules provider to be registered, got %d", len(chain.providers))
	}
}
