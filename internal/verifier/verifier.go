// Package verifier implements the fix verifier (C7, §4.7): on each
// fix.deploy_succeeded, waits out each action's verification window, compares
// the observed metric against its threshold, and publishes fix.verified or
// fix.rollback_requested.
package verifier

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
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/model"
	"github.com/Rayyan0080/crisisgrid/internal/scheduler"
)

// TaskKind is the scheduler kind this verifier registers its handler under.
const TaskKind = "fix_verification"

// Verifier is C7.
type Verifier struct {
	bus     bus.Bus
	store   eventstore.Store
	verify  deployment.VerificationStore
	sched   *scheduler.Scheduler
	log     *logging.Logger
	factors baselineFactors
}

// New builds a Verifier. sched must already be running (or Start()ed
// afterward); New only registers the handler for TaskKind.
func New(b bus.Bus, store eventstore.Store, verify deployment.VerificationStore, sched *scheduler.Scheduler, log *logging.Logger) *Verifier {
	v := &Verifier{bus: b, store: store, verify: verify, sched: sched, log: log, factors: defaultBaselineFactors()}
	sched.RegisterHandler(TaskKind, v.runVerification)
	return v
}

// Start subscribes to fix.deploy_succeeded.
func (v *Verifier) Start() error {
	return v.bus.Subscribe(model.TopicFixDeploySucceeded, v.handleDeploySucceeded)
}

// payload is what gets persisted into the scheduler task so a restart can
// resume verification without re-deriving the fix's actions from the bus.
type payload struct {
	FixID         string         `json:"fix_id"`
	CorrelationID string         `json:"correlation_id"`
	Sector        string         `json:"sector"`
	Severity      model.Severity `json:"severity"`
	DeployTime    time.Time      `json:"deploy_time"`
	Actions       []model.Action `json:"actions"`
}

func (v *Verifier) handleDeploySucceeded(ctx context.Context, evt model.Event) error {
	fixID := evt.DetailString("fix_id")
	if fixID == "" {
		v.log.WithFields(map[string]interface{}{"event_id": evt.EventID}).
			Warn("verifier: deploy_succeeded missing fix_id, dropping")
		return nil
	}

	// deploy_succeeded carries executed_actions (outcomes), not the original
	// action specs with their verification clauses; those are recovered from
	// the fix.deploy_requested event this fix's actuation was triggered by.
	actions, err := v.fetchActions(ctx, fixID)
	if err != nil {
		v.log.WithError(err).WithFields(map[string]interface{}{"fix_id": fixID}).
			Warn("verifier: could not recover actions for deployed fix")
		return nil
	}

	if _, err := v.verify.CreateInProgress(ctx, fixID); err != nil {
		return err
	}

	maxWindow := 0
	for _, a := range actions {
		if a.Verifiable() && a.Verification.WindowSeconds > maxWindow {
			maxWindow = a.Verification.WindowSeconds
		}
	}

	p := payload{
		FixID:         fixID,
		CorrelationID: evt.CorrelationID,
		Sector:        evt.Sector,
		Severity:      evt.Severity,
		DeployTime:    evt.Timestamp,
		Actions:       actions,
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("verifier: encode payload: %w", err)
	}

	wakeAt := evt.Timestamp.Add(time.Duration(maxWindow) * time.Second)
	return v.sched.Schedule(ctx, fixID, TaskKind, wakeAt, string(encoded))
}

func (v *Verifier) runVerification(ctx context.Context, task scheduler.Task) error {
	var p payload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("verifier: decode payload: %w", err)
	}

	var verdicts []model.ActionVerdict
	aggregated := make(map[string]float64)
	allPass := true

	for _, action := range p.Actions {
		if !action.Verifiable() {
			continue
		}
		result, err := computeMetric(ctx, v.store, action, p.DeployTime, v.factors)
		if err != nil {
			// Event store unavailable: fail closed, leave the task due for
			// the next sweep to retry rather than recording a verdict.
			return err
		}

		polarity := action.Verification.Polarity
		if polarity == "" {
			polarity = model.MetricPolarityFor(result.Metric)
		}
		pass := comparePolarity(polarity, result.Actual, action.Verification.Threshold)

		status := model.VerificationVerified
		if !pass {
			status = model.VerificationFailed
			allPass = false
		}

		verdicts = append(verdicts, model.ActionVerdict{
			ActionID:  action.ID,
			Type:      action.Type,
			Target:    action.Target,
			Metric:    result.Metric,
			Status:    status,
			Baseline:  result.BaselineHeuristic,
			Actual:    result.Actual,
			Threshold: action.Verification.Threshold,
		})
		aggregated[result.Metric+"_actual"] = result.Actual
		aggregated[result.Metric+"_baseline_heuristic"] = result.BaselineHeuristic
		aggregated[result.Metric+"_predeploy_snapshot"] = result.PreDeploySnapshot

		metrics.VerificationOutcomes.WithLabelValues(string(action.Type), string(status)).Inc()
	}

	status := model.VerificationVerified
	if !allPass {
		status = model.VerificationFailed
	}
	if err := v.verify.Complete(ctx, p.FixID, status, verdicts, aggregated); err != nil {
		v.log.WithError(err).Warn("verifier: failed to persist completed verification")
	}

	if allPass {
		return v.publish(ctx, verificationEvent(p, model.TopicFixVerified, verdicts, ""))
	}

	reason := rollbackReason(verdicts)
	evt := verificationEvent(p, model.TopicFixRollbackRequest, verdicts, reason)
	if actions := rollbackActionSpecs(verdicts); len(actions) > 0 {
		evt.Details["rollback_actions"] = actions
	}
	return v.publish(ctx, evt)
}

func (v *Verifier) publish(ctx context.Context, evt model.Event) error {
	if err := v.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := v.store.Append(ctx, evt); err != nil {
		v.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("verifier: failed to log published event")
	}
	metrics.FixLifecycleTransitions.WithLabelValues(evt.Topic).Inc()
	return nil
}

func verificationEvent(p payload, topic string, verdicts []model.ActionVerdict, reason string) model.Event {
	details := map[string]interface{}{
		"fix_id":   p.FixID,
		"verdicts": verdicts,
	}
	if reason != "" {
		details["reason"] = reason
	}
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		Source:        "verifier",
		Severity:      p.Severity,
		Sector:        p.Sector,
		CorrelationID: p.CorrelationID,
		Details:       details,
	}
}

// rollbackAction is the rollback action spec §4.7 step 3 calls for: one
// entry per failed verdict, carrying the same type and target as the
// action whose claim didn't hold, so a rollback reuses the original
// action's addressing rather than inventing a new one.
type rollbackAction struct {
	ActionID string           `json:"action_id"`
	Type     model.ActionType `json:"type"`
	Target   string           `json:"target"`
	Reason   string           `json:"reason"`
}

// rollbackActionSpecs builds one rollbackAction per failed verdict.
func rollbackActionSpecs(verdicts []model.ActionVerdict) []rollbackAction {
	var actions []rollbackAction
	for _, vd := range verdicts {
		if vd.Status != model.VerificationFailed {
			continue
		}
		actions = append(actions, rollbackAction{
			ActionID: vd.ActionID,
			Type:     vd.Type,
			Target:   vd.Target,
			Reason:   fmt.Sprintf("%s actual=%.3f threshold=%.3f", vd.Metric, vd.Actual, vd.Threshold),
		})
	}
	return actions
}

// rollbackReason synthesizes the human-readable summary alongside the
// structured rollback action specs above.
func rollbackReason(verdicts []model.ActionVerdict) string {
	reason := "verification failed: "
	first := true
	for _, v := range verdicts {
		if v.Status != model.VerificationFailed {
			continue
		}
		if !first {
			reason += "; "
		}
		reason += fmt.Sprintf("%s actual=%.3f threshold=%.3f", v.Metric, v.Actual, v.Threshold)
		first = false
	}
	return reason
}

// fetchActions recovers the fix's action list (with verification clauses)
// from its fix.deploy_requested event, the last one durably logged for
// fixID on that topic.
func (v *Verifier) fetchActions(ctx context.Context, fixID string) ([]model.Action, error) {
	events, err := v.store.ByDetailsField(ctx, []string{model.TopicFixDeployRequested}, "fix_id", fixID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("verifier: no fix.deploy_requested found for fix_id %s", fixID)
	}
	latest := events[len(events)-1]
	return actionsFromDetails(latest.Details)
}

func actionsFromDetails(details map[string]interface{}) ([]model.Action, error) {
	raw, ok := details["actions"]
	if !ok {
		return nil, fmt.Errorf("verifier: deploy_requested details missing actions")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("verifier: re-marshal actions: %w", err)
	}
	var actions []model.Action
	if err := json.Unmarshal(encoded, &actions); err != nil {
		return nil, fmt.Errorf("verifier: decode actions: %w", err)
	}
	return actions, nil
}
