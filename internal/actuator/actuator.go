// Package actuator implements the fix actuator (C6, §4.6): "the
// transactional heart" of the engine. On each fix.deploy_requested it
// performs the idempotency check against the deployment status store, then
// dispatches each action in order and aggregates the outcome into
// fix.deploy_succeeded or fix.deploy_failed.
package actuator

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
)

// lockRetryAttempts/lockRetryDelay bound the idempotency-lock retry below:
// 3 tries, 100ms doubling to 10s, matching deployment.Store's own guidance
// for how long a caller should keep knocking on a transient Postgres error
// before giving up and surfacing it.
const (
	lockRetryAttempts = 3
	lockRetryDelay    = 100 * time.Millisecond
	lockRetryMaxDelay = 10 * time.Second
)

// retryCreateStarted retries fn (a CreateStarted call) against transient
// store errors so a momentary Postgres blip isn't mistaken for "this fix
// was never started" (§4.6 step 1, the C9 locking contract).
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

// Actuator is C6.
type Actuator struct {
	bus   bus.Bus
	store eventstore.Store
	dep   deployment.Store
	log   *logging.Logger
}

// New builds an Actuator. dep is the deployment status store scoped to
// fix_deployments (a defense-side instance is built separately, scoped to
// defense_deployments).
func New(b bus.Bus, store eventstore.Store, dep deployment.Store, log *logging.Logger) *Actuator {
	return &Actuator{bus: b, store: store, dep: dep, log: log}
}

// Start subscribes to fix.deploy_requested.
func (a *Actuator) Start() error {
	return a.bus.Subscribe(model.TopicFixDeployRequested, a.handle)
}

func (a *Actuator) handle(ctx context.Context, evt model.Event) error {
	fixID := evt.DetailString("fix_id")
	if fixID == "" {
		a.log.WithFields(map[string]interface{}{"event_id": evt.EventID}).
			Warn("actuator: deploy_requested missing fix_id, dropping")
		return nil
	}

	// Step 1: idempotency check (§4.6 step 1, the C9 locking contract).
	// Retried with bounded backoff since a transient store error here must
	// not be confused with "this fix was never started".
	var alreadyInFlight bool
	err := retryCreateStarted(ctx, func() error {
		var retryErr error
		_, alreadyInFlight, retryErr = a.dep.CreateStarted(ctx, fixID)
		return retryErr
	})
	if err != nil {
		return err
	}
	if alreadyInFlight {
		a.log.WithFields(map[string]interface{}{"fix_id": fixID}).
			Info("actuator: deploy_requested for fix already started or succeeded, skipping")
		metrics.ActuatorIdempotentSkips.Inc()
		return nil
	}

	actions, err := actionsFromDetails(evt.Details)
	if err != nil {
		a.log.WithError(err).WithFields(map[string]interface{}{"fix_id": fixID}).
			Warn("actuator: could not parse actions from deploy_requested, marking failed")
		return a.finish(ctx, evt, fixID, nil, err.Error())
	}

	if err := a.publish(ctx, deployEvent(evt, model.TopicFixDeployStarted, nil, "")); err != nil {
		return err
	}

	results := make([]model.ActionResult, 0, len(actions))
	var failures []string
	for _, action := range actions {
		start := time.Now()
		result, sandboxEvents, dispatchErr := dispatch(action)
		metrics.ActuatorActionDuration.WithLabelValues(string(action.Type)).Observe(time.Since(start).Seconds())
		results = append(results, result)
		for _, sb := range sandboxEvents {
			sb.CorrelationID = evt.CorrelationID
			sb.Sector = evt.Sector
			if pubErr := a.publish(ctx, sb); pubErr != nil {
				a.log.WithError(pubErr).Warn("actuator: failed to publish sandbox action event")
			}
		}
		if dispatchErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", action.ID, dispatchErr))
		}
	}

	errMsg := ""
	if len(failures) > 0 {
		errMsg = fmt.Sprintf("%d/%d actions failed: %v", len(failures), len(actions), failures)
	}
	return a.finish(ctx, evt, fixID, results, errMsg)
}

func (a *Actuator) finish(ctx context.Context, trigger model.Event, fixID string, results []model.ActionResult, errMsg string) error {
	if errMsg == "" {
		if err := a.dep.UpdateStatus(ctx, fixID, model.DeploymentSucceeded, results, ""); err != nil {
			a.log.WithError(err).Warn("actuator: failed to record deploy_succeeded")
		}
		return a.publish(ctx, deployEvent(trigger, model.TopicFixDeploySucceeded, results, ""))
	}

	if err := a.dep.UpdateStatus(ctx, fixID, model.DeploymentFailed, results, errMsg); err != nil {
		a.log.WithError(err).Warn("actuator: failed to record deploy_failed")
	}
	return a.publish(ctx, deployEvent(trigger, model.TopicFixDeployFailed, results, errMsg))
}

func (a *Actuator) publish(ctx context.Context, evt model.Event) error {
	if err := a.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := a.store.Append(ctx, evt); err != nil {
		a.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("actuator: failed to log published event")
	}
	metrics.FixLifecycleTransitions.WithLabelValues(evt.Topic).Inc()
	return nil
}

func deployEvent(trigger model.Event, topic string, results []model.ActionResult, errMsg string) model.Event {
	details := map[string]interface{}{
		"fix_id": trigger.DetailString("fix_id"),
	}
	if results != nil {
		details["executed_actions"] = results
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	return model.Event{
		EventID:       uuid.NewString(),
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		Source:        "actuator",
		Severity:      trigger.Severity,
		Sector:        trigger.Sector,
		CorrelationID: trigger.CorrelationID,
		Details:       details,
	}
}

// actionsFromDetails recovers []model.Action from an event's Details map,
// which may hold either the original Go struct slice (in-process memory bus)
// or its JSON round-trip shape (after a real backend or the event store).
func actionsFromDetails(details map[string]interface{}) ([]model.Action, error) {
	raw, ok := details["actions"]
	if !ok {
		return nil, fmt.Errorf("actuator: deploy_requested details missing actions")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("actuator: re-marshal actions: %w", err)
	}
	var actions []model.Action
	if err := json.Unmarshal(encoded, &actions); err != nil {
		return nil, fmt.Errorf("actuator: decode actions: %w", err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("actuator: deploy_requested carries zero actions")
	}
	return actions, nil
}
