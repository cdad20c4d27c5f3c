package defense

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// defaultPosture is the starting city posture, matching the original's
// DEFAULT_CITY_POSTURE constant.
const defaultPosture = "normal"

// Assessor is C8's assessor: reasons over a detected threat and recommends
// one sandboxed informational action, grounded in
// original_source/agents/defense_assessor.py. The original calls out to
// Gemini for this step; internal/llm's Chain/Provider abstraction is shaped
// around drafting a full Fix (with actions/verification/risk), not a single
// recommended defense action, so this assessor uses its own deterministic
// reasoner rather than force-fitting that abstraction a second time (see
// DESIGN.md).
type Assessor struct {
	bus   bus.Bus
	store eventstore.Store
	log   *logging.Logger

	mu      sync.RWMutex
	posture string
}

// NewAssessor builds an Assessor starting at the default posture.
func NewAssessor(b bus.Bus, store eventstore.Store, log *logging.Logger) *Assessor {
	return &Assessor{bus: b, store: store, log: log, posture: defaultPosture}
}

// Start subscribes to defense.threat.detected (to assess) and
// defense.posture.changed (to track the current posture the actuator has
// since moved to, the way autonomy.Router tracks its own level).
func (a *Assessor) Start() error {
	if err := a.bus.Subscribe(model.TopicDefenseThreatDetected, a.handleThreatDetected); err != nil {
		return fmt.Errorf("defense: subscribe threat.detected: %w", err)
	}
	if err := a.bus.Subscribe(model.TopicDefensePostureChanged, a.handlePostureChanged); err != nil {
		return fmt.Errorf("defense: subscribe posture.changed: %w", err)
	}
	return nil
}

func (a *Assessor) handlePostureChanged(ctx context.Context, evt model.Event) error {
	posture := evt.DetailString("posture")
	if posture == "" {
		return nil
	}
	a.mu.Lock()
	a.posture = posture
	a.mu.Unlock()
	return nil
}

func (a *Assessor) currentPosture() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.posture
}

func (a *Assessor) handleThreatDetected(ctx context.Context, evt model.Event) error {
	threatID := evt.DetailString("threat_id")
	if threatID == "" {
		return nil
	}

	recommended, rationale := recommendAction(evt, a.currentPosture())

	assessed := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefenseThreatAssessed,
		Timestamp:     time.Now().UTC(),
		Source:        "defense-assessor",
		Severity:      evt.Severity,
		Sector:        evt.Sector,
		CorrelationID: threatID,
		Details: map[string]interface{}{
			"threat_id":          threatID,
			"recommended_action": string(recommended),
			"rationale":          rationale,
			"posture_context":    a.currentPosture(),
		},
	}
	if err := a.publish(ctx, assessed); err != nil {
		return err
	}

	// Every defense action is informational/sandboxed by construction (§3),
	// unlike fix actions which carry real remediation intent, so this
	// assessor auto-approves rather than waiting on an external operator
	// decision — the same race-free pattern approval.Gate uses for
	// fix.approved -> fix.deploy_requested, just with no human gate at all.
	actionID := "DACT-" + uuid.NewString()
	proposed := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefenseActionProposed,
		Timestamp:     time.Now().UTC(),
		Source:        "defense-assessor",
		Severity:      evt.Severity,
		Sector:        evt.Sector,
		CorrelationID: threatID,
		Details: map[string]interface{}{
			"threat_id": threatID,
			"action_id": actionID,
			"action":    string(recommended),
		},
	}
	if err := a.publish(ctx, proposed); err != nil {
		return err
	}

	approved := proposed
	approved.EventID = uuid.NewString()
	approved.Topic = model.TopicDefenseActionApproved
	approved.Details = map[string]interface{}{
		"threat_id":   threatID,
		"action_id":   actionID,
		"action":      string(recommended),
		"approved_by": "auto",
	}
	return a.publish(ctx, approved)
}

func (a *Assessor) publish(ctx context.Context, evt model.Event) error {
	if err := a.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := a.store.Append(ctx, evt); err != nil {
		a.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("defense: failed to log published event")
	}
	return nil
}

// recommendAction maps a threat's type/severity/posture onto one of the
// four informational actions, generalizing defense_actuator.py's
// _parse_action_string phrase matching into a direct rule (no free-text
// parsing needed once the assessor chooses structurally instead of via an
// LLM's prose).
func recommendAction(evt model.Event, posture string) (model.DefenseActionType, string) {
	severity := evt.DetailString("severity")
	threatType := evt.DetailString("threat_type")

	switch {
	case severity == string(model.ThreatSeverityCritical):
		return model.DefenseActionAutonomyLock,
			fmt.Sprintf("critical %s threat: locking autonomy pending human review", threatType)
	case severity == string(model.ThreatSeverityHigh) && posture == defaultPosture:
		return model.DefenseActionAlertLevel,
			fmt.Sprintf("high severity %s threat while posture is %s: raising alert level", threatType, posture)
	case threatType == string(model.ThreatCivil):
		return model.DefenseActionPublicAdvisory,
			"civil threat type: issuing a public advisory"
	default:
		return model.DefenseActionMonitoringRate,
			fmt.Sprintf("%s threat below escalation thresholds: increasing monitoring rate", threatType)
	}
}
