package defense

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/deployment"
	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// lockRetryAttempts/lockRetryDelay mirror internal/actuator's own
// idempotency-lock retry: this is C8's isomorphic counterpart to C6, kept
// as its own small copy rather than a shared generic package since the two
// actuators are independent pipelines with their own deployment stores.
const (
	lockRetryAttempts = 3
	lockRetryDelay    = 100 * time.Millisecond
	lockRetryMaxDelay = 10 * time.Second
)

func retryCreateStarted(ctx context.Context, fn func() error) error {
	delay := lockRetryDelay
	var lastErr error
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == lockRetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > lockRetryMaxDelay {
			delay = lockRetryMaxDelay
		}
	}
	return lastErr
}

// Actuator is C8's actuator: executes one informational, sandboxed action
// per approved defense action, keyed by action_id (§4.9 "defense_deployments
// (key action_id)"), grounded in
// original_source/agents/defense_actuator.py's _handle_action_approved.
type Actuator struct {
	bus   bus.Bus
	store eventstore.Store
	dep   deployment.Store
	log   *logging.Logger
}

// NewActuator builds an Actuator. dep must be scoped to the
// defense_deployments table/keyspace.
func NewActuator(b bus.Bus, store eventstore.Store, dep deployment.Store, log *logging.Logger) *Actuator {
	return &Actuator{bus: b, store: store, dep: dep, log: log}
}

// Start subscribes to defense.action.approved.
func (a *Actuator) Start() error {
	return a.bus.Subscribe(model.TopicDefenseActionApproved, a.handle)
}

func (a *Actuator) handle(ctx context.Context, evt model.Event) error {
	actionID := evt.DetailString("action_id")
	threatID := evt.DetailString("threat_id")
	if actionID == "" || threatID == "" {
		a.log.Warn("defense: action.approved missing action_id or threat_id, dropping")
		return nil
	}

	var alreadyInFlight bool
	err := retryCreateStarted(ctx, func() error {
		var retryErr error
		_, alreadyInFlight, retryErr = a.dep.CreateStarted(ctx, actionID)
		return retryErr
	})
	if err != nil {
		return errors.TransientStore("defense_actuator.create_started", err)
	}
	if alreadyInFlight {
		metrics.ActuatorIdempotentSkips.Inc()
		return nil
	}

	actionType := model.DefenseActionType(evt.DetailString("action"))
	start := time.Now()
	_, dispatchErr := dispatchDefenseAction(ctx, a.bus, actionID, threatID, actionType, evt.Sector)
	metrics.ActuatorActionDuration.WithLabelValues(string(actionType)).Observe(time.Since(start).Seconds())

	if dispatchErr != nil {
		_ = a.dep.UpdateStatus(ctx, actionID, model.DeploymentFailed, nil, dispatchErr.Error())
		return a.publish(ctx, deployedEvent(threatID, actionID, evt.Sector, false, dispatchErr.Error()))
	}

	_ = a.dep.UpdateStatus(ctx, actionID, model.DeploymentSucceeded, nil, "")
	if err := a.publish(ctx, deployedEvent(threatID, actionID, evt.Sector, true, "")); err != nil {
		return err
	}

	if actionType == model.DefenseActionAlertLevel {
		if err := a.publish(ctx, postureChangedEvent(threatID, evt.Sector, "elevated")); err != nil {
			a.log.WithError(err).Warn("defense: failed to publish posture.changed")
		}
	}
	return nil
}

func (a *Actuator) publish(ctx context.Context, evt model.Event) error {
	if err := a.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := a.store.Append(ctx, evt); err != nil {
		a.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("defense: failed to log published event")
	}
	return nil
}

// dispatchDefenseAction executes one informational action (SANDBOX ONLY),
// matching the four _execute_* handlers in defense_actuator.py. Every
// emission carries simulation_mode/sandbox_only per §8 Testable Property 3.
func dispatchDefenseAction(ctx context.Context, b bus.Bus, actionID, threatID string, actionType model.DefenseActionType, sector string) (map[string]interface{}, error) {
	switch actionType {
	case model.DefenseActionAlertLevel, model.DefenseActionPublicAdvisory,
		model.DefenseActionMonitoringRate, model.DefenseActionAutonomyLock:
		evt := model.Event{
			EventID:       uuid.NewString(),
			Topic:         model.TopicSystemAction,
			Timestamp:     time.Now().UTC(),
			Source:        "defense-actuator",
			Severity:      model.SeverityInfo,
			Sector:        sector,
			CorrelationID: threatID,
			Details: map[string]interface{}{
				"action_id":       actionID,
				"threat_id":       threatID,
				"action_type":     string(actionType),
				"simulation_mode": true,
				"sandbox_only":    true,
			},
		}
		if err := b.Publish(ctx, evt.Topic, evt); err != nil {
			return nil, err
		}
		return evt.Details, nil
	default:
		return nil, errors.UnknownActionType(string(actionType))
	}
}

func deployedEvent(threatID, actionID, sector string, success bool, errMsg string) model.Event {
	details := map[string]interface{}{
		"threat_id": threatID,
		"action_id": actionID,
		"success":   success,
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	severity := model.SeverityInfo
	if !success {
		severity = model.SeverityWarning
	}
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefenseActionDeployed,
		Timestamp:     time.Now().UTC(),
		Source:        "defense-actuator",
		Severity:      severity,
		Sector:        sector,
		CorrelationID: threatID,
		Details:       details,
	}
}

func postureChangedEvent(threatID, sector, posture string) model.Event {
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicDefensePostureChanged,
		Timestamp:     time.Now().UTC(),
		Source:        "defense-actuator",
		Severity:      model.SeverityInfo,
		Sector:        sector,
		CorrelationID: threatID,
		Details: map[string]interface{}{
			"threat_id": threatID,
			"posture":   posture,
		},
	}
}
