package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/deployment"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
	"github.com/Rayyan0080/crisisgrid/internal/scheduler"
)

// verificationWindow is the 10-minute observation window §4.8 mandates,
// distinct from the fix verifier's per-action configurable window.
const verificationWindow = 10 * time.Minute

// TaskKind is the scheduler kind this verifier registers its handler under.
const TaskKind = "defense_verification"

// Verifier is C8's verifier: after a 10-minute window, decides whether a
// threat's originating indicators normalized, grounded in
// original_source/agents/defense_verifier.py.
type Verifier struct {
	bus    bus.Bus
	store  eventstore.Store
	verify deployment.VerificationStore
	sched  *scheduler.Scheduler
	log    *logging.Logger
}

// NewVerifier builds a Verifier. verify must be scoped to the
// defense_verifications table/keyspace; sched must already be running.
func NewVerifier(b bus.Bus, store eventstore.Store, verify deployment.VerificationStore, sched *scheduler.Scheduler, log *logging.Logger) *Verifier {
	v := &Verifier{bus: b, store: store, verify: verify, sched: sched, log: log}
	sched.RegisterHandler(TaskKind, v.runVerification)
	return v
}

// Start subscribes to defense.action.deployed.
func (v *Verifier) Start() error {
	return v.bus.Subscribe(model.TopicDefenseActionDeployed, v.handleActionDeployed)
}

type payload struct {
	ThreatID   string    `json:"threat_id"`
	Sector     string    `json:"sector"`
	ThreatType string    `json:"threat_type"`
	Sources    []string  `json:"sources"`
	DeployTime time.Time `json:"deploy_time"`
}

func (v *Verifier) handleActionDeployed(ctx context.Context, evt model.Event) error {
	threatID := evt.DetailString("threat_id")
	if threatID == "" {
		return nil
	}
	if success, ok := evt.Details["success"].(bool); ok && !success {
		// A failed action never stabilizes anything; nothing to verify.
		return nil
	}

	threatType, sources, err := v.fetchThreat(ctx, threatID)
	if err != nil {
		v.log.WithError(err).WithFields(map[string]interface{}{"threat_id": threatID}).
			Warn("defense: could not recover threat for deployed action")
		return nil
	}

	if _, err := v.verify.CreateInProgress(ctx, threatID); err != nil {
		return err
	}

	p := payload{ThreatID: threatID, Sector: evt.Sector, ThreatType: threatType, Sources: sources, DeployTime: evt.Timestamp}
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("defense: encode verification payload: %w", err)
	}

	wakeAt := evt.Timestamp.Add(verificationWindow)
	return v.sched.Schedule(ctx, threatID, TaskKind, wakeAt, string(encoded))
}

// fetchThreat recovers threat_type/sources from the threat's own
// defense.threat.detected event, the way the fix verifier recovers action
// specs from fix.deploy_requested.
func (v *Verifier) fetchThreat(ctx context.Context, threatID string) (string, []string, error) {
	events, err := v.store.ByDetailsField(ctx, []string{model.TopicDefenseThreatDetected}, "threat_id", threatID)
	if err != nil {
		return "", nil, err
	}
	if len(events) == 0 {
		return "", nil, fmt.Errorf("defense: no threat.detected found for threat_id %s", threatID)
	}
	latest := events[len(events)-1]
	threatType := latest.DetailString("threat_type")
	var sources []string
	switch raw := latest.Details["sources"].(type) {
	case []string:
		sources = append(sources, raw...)
	case []interface{}:
		for _, s := range raw {
			if str, ok := s.(string); ok {
				sources = append(sources, str)
			}
		}
	}
	return threatType, sources, nil
}

func (v *Verifier) runVerification(ctx context.Context, task scheduler.Task) error {
	var p payload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("defense: decode verification payload: %w", err)
	}

	topics := inputTopicsFor(p.Sources)
	preWindowStart := p.DeployTime.Add(-verificationWindow)
	postWindowEnd := p.DeployTime.Add(verificationWindow)

	preCount, err := v.countEvents(ctx, topics, preWindowStart, p.DeployTime)
	if err != nil {
		return err
	}
	postCount, err := v.countEvents(ctx, topics, p.DeployTime, postWindowEnd)
	if err != nil {
		return err
	}

	normalized := postCount <= preCount
	aggregated := map[string]float64{
		"pre_window_event_count":  float64(preCount),
		"post_window_event_count": float64(postCount),
	}

	status := model.VerificationVerified
	if !normalized {
		status = model.VerificationFailed
	}
	if err := v.verify.Complete(ctx, p.ThreatID, status, nil, aggregated); err != nil {
		v.log.WithError(err).Warn("defense: failed to persist completed verification")
	}

	if normalized {
		return v.publish(ctx, resolvedEvent(p, postCount, preCount))
	}
	return v.publish(ctx, escalatedEvent(p, postCount, preCount))
}

func (v *Verifier) countEvents(ctx context.Context, topics []string, from, to time.Time) (int, error) {
	if len(topics) == 0 {
		return 0, nil
	}
	events, err := v.store.Query(ctx, eventstore.Query{Topics: topics, From: from, To: to})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// inputTopicsFor maps a threat's contributing domains back onto the bus
// topics that domain publishes, so the verifier can measure whether that
// domain's event rate normalized.
func inputTopicsFor(sources []string) []string {
	var topics []string
	for _, s := range sources {
		switch s {
		case "power":
			topics = append(topics, model.TopicPowerFailure)
		case "transit":
			topics = append(topics, model.TopicTransitDisruptionRisk, model.TopicTransitHotspot)
		case "airspace":
			topics = append(topics, model.TopicAirspaceConflict, model.TopicAirspaceHotspot)
		default:
			topics = append(topics, model.TopicGeoIncident, model.TopicGeoRiskArea)
		}
	}
	return topics
}

func (v *Verifier) publish(ctx context.Context, evt model.Event) error {
	if err := v.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := v.store.Append(ctx, evt); err != nil {
		v.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("defense: failed to log published event")
	}
	return nil
}

func resolvedEvent(p payload, postCount, preCount int) model.Event {
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefenseThreatResolved,
		Timestamp:     time.Now().UTC(),
		Source:        "defense-verifier",
		Severity:      model.SeverityInfo,
		Sector:        p.Sector,
		CorrelationID: p.ThreatID,
		Details: map[string]interface{}{
			"threat_id":         p.ThreatID,
			"pre_window_count":  preCount,
			"post_window_count": postCount,
		},
	}
}

func escalatedEvent(p payload, postCount, preCount int) model.Event {
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefenseThreatEscalated,
		Timestamp:     time.Now().UTC(),
		Source:        "defense-verifier",
		Severity:      model.SeverityWarning,
		Sector:        p.Sector,
		CorrelationID: p.ThreatID,
		Details: map[string]interface{}{
			"threat_id":         p.ThreatID,
			"pre_window_count":  preCount,
			"post_window_count": postCount,
			"escalation_suggestion": fmt.Sprintf(
				"indicators for threat %s did not normalize within %s (pre=%d, post=%d); consider escalating to a human operator",
				p.ThreatID, verificationWindow, preCount, postCount),
		},
	}
}
