// Package proposer implements the fix proposer (C3, §4.3): watches every
// non-fix topic and, on a critical-severity event not seen before, synthesizes
// a Fix via the configured generator chain and publishes it.
package proposer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/autonomy"
	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/cache"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/llm"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// Proposer is C3. One pending fix per originating event; the correlation
// identifier propagates from the trigger (§4.3).
type Proposer struct {
	bus      bus.Bus
	store    eventstore.Store
	chain    *llm.Chain
	dedup    *cache.Dedup
	autonomy *autonomy.Router
	log      *logging.Logger
}

// New builds a Proposer. dedup guards against re-processing the same
// event_id, replacing the source's unbounded in-memory set (§9 redesign
// note). autonomy is C4's router: per spec.md's component table, C4 "also
// governs fix approval in HIGH mode", so the proposer consults its current
// level alongside risk level when deciding requires_human_approval.
func New(b bus.Bus, store eventstore.Store, chain *llm.Chain, dedup *cache.Dedup, router *autonomy.Router, log *logging.Logger) *Proposer {
	return &Proposer{bus: b, store: store, chain: chain, dedup: dedup, autonomy: router, log: log}
}

// Start subscribes to every non-fix topic (§4.3: "never consumes fix.*
// topics — loop prevention").
func (p *Proposer) Start() error {
	for _, topic := range model.NonFixTopics {
		if err := p.bus.Subscribe(topic, p.handle); err != nil {
			return fmt.Errorf("proposer: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (p *Proposer) handle(ctx context.Context, evt model.Event) error {
	if evt.Severity != model.SeverityCritical {
		return nil
	}

	seen, err := p.dedup.SeenOrMark(ctx, evt.EventID)
	if err != nil {
		p.log.WithError(err).Warn("proposer: dedup check failed, processing anyway")
	} else if seen {
		return nil
	}

	if err := p.store.Append(ctx, evt); err != nil {
		p.log.WithError(err).Warn("proposer: failed to log trigger event")
	}

	fix, err := p.chain.Propose(ctx, evt)
	if err != nil {
		p.log.WithError(err).WithFields(map[string]interface{}{"event_id": evt.EventID}).
			Error("proposer: every generator in the chain failed")
		return nil
	}

	fix.FixID = newFixID()
	if fix.CorrelationID == "" {
		fix.CorrelationID = evt.EventID
	}
	fix.ProposedAt = time.Now().UTC()
	fix.RequiresHumanApproval = fix.RiskLevel != model.RiskLow && p.autonomy.Level() != autonomy.LevelHigh

	// A generated fix that fails schema validation is discarded in favour of
	// the deterministic rules provider's fix for the same trigger.
	if err := model.ValidateFix(fix); err != nil && fix.Source != model.SourceRules {
		p.log.WithError(err).WithFields(map[string]interface{}{"fix_id": fix.FixID}).
			Warn("proposer: generated fix failed schema validation, falling back to rules")
		fallback, _ := llm.NewRulesProvider().ProposeFix(ctx, evt)
		fallback.FixID, fallback.Source, fallback.ProposedAt = fix.FixID, model.SourceRules, fix.ProposedAt
		fallback.RequiresHumanApproval = fallback.RiskLevel != model.RiskLow && p.autonomy.Level() != autonomy.LevelHigh
		fix = fallback
	}

	if err := model.ValidateFix(fix); err != nil {
		p.log.WithError(err).WithFields(map[string]interface{}{"fix_id": fix.FixID}).
			Warn("proposer: generated fix failed schema validation, dropping")
		return nil
	}

	details := fixDetails(fix)

	proposedEvt := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicFixProposed,
		Timestamp:     time.Now().UTC(),
		Source:        "proposer",
		Severity:      evt.Severity,
		Sector:        evt.Sector,
		Summary:       fix.Title,
		CorrelationID: fix.CorrelationID,
		Details:       details,
	}
	if err := p.publish(ctx, proposedEvt); err != nil {
		return err
	}
	metrics.FixesProposed.WithLabelValues(string(fix.Source)).Inc()

	if fix.RequiresHumanApproval {
		reviewEvt := proposedEvt
		reviewEvt.EventID = uuid.NewString()
		reviewEvt.Topic = model.TopicFixReviewRequired
		return p.publish(ctx, reviewEvt)
	}

	// No review required (low risk, or HIGH autonomy bypassing a non-low
	// risk fix per C4's "also governs fix approval in HIGH mode"): the
	// proposer itself is the sole trigger, self-approving in the same
	// order approval.Gate uses for a human decision (approved strictly
	// before deploy_requested). Both events carry the fix's action list
	// so the actuator can dispatch deploy_requested directly off this
	// event without a second lookup.
	selfApprovedDetails := fixDetails(fix)
	selfApprovedDetails["approved_by"] = "autonomy-router"

	approvedEvt := proposedEvt
	approvedEvt.EventID = uuid.NewString()
	approvedEvt.Topic = model.TopicFixApproved
	approvedEvt.Details = selfApprovedDetails
	if err := p.publish(ctx, approvedEvt); err != nil {
		return err
	}

	deployEvt := approvedEvt
	deployEvt.EventID = uuid.NewString()
	deployEvt.Topic = model.TopicFixDeployRequested
	return p.publish(ctx, deployEvt)
}

func (p *Proposer) publish(ctx context.Context, evt model.Event) error {
	if err := p.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := p.store.Append(ctx, evt); err != nil {
		p.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("proposer: failed to log published event")
	}
	metrics.FixLifecycleTransitions.WithLabelValues(evt.Topic).Inc()
	return nil
}

func fixDetails(fix model.Fix) map[string]interface{} {
	return map[string]interface{}{
		"fix_id":                  fix.FixID,
		"source":                  string(fix.Source),
		"title":                   fix.Title,
		"summary":                 fix.Summary,
		"actions":                 fix.Actions,
		"risk_level":              string(fix.RiskLevel),
		"expected_impact":         fix.ExpectedImpact,
		"requires_human_approval": fix.RequiresHumanApproval,
	}
}

// newFixID mints a fresh identifier of the mandated form
// "FIX-YYYYMMDD-<8 hex chars>" (§4.3 step 4).
func newFixID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s-%s", model.FixIDPrefix, time.Now().UTC().Format("20060102"), hex.EncodeToString(buf))
}
