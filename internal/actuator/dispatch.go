package actuator

import (
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/errors"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// dispatch executes one action's sandboxed side effect: publishing one or
// more simulation-marked domain events, never reaching outside the system
// (§4.6). An unknown action type is a BusinessInvariant violation (S6): it
// produces a failed ActionResult and no sandbox events, never a panic or a
// process exit.
func dispatch(action model.Action) (model.ActionResult, []model.Event, error) {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	switch action.Type {
	case model.ActionTransitRerouteSim:
		evt := sandboxEvent(model.TopicTransitMitigationApplied, action, map[string]interface{}{
			"target": action.Target,
		})
		return model.ActionResult{ActionID: action.ID, Success: true}, []model.Event{evt}, nil

	case model.ActionAirspaceMitigation:
		evt := sandboxEvent(model.TopicAirspaceMitigationApplied, action, map[string]interface{}{
			"target": action.Target,
		})
		return model.ActionResult{ActionID: action.ID, Success: true}, []model.Event{evt}, nil

	case model.ActionTrafficAdvisorySim:
		evt := sandboxEvent(model.TopicSystemAction, action, map[string]interface{}{
			"advisory_target": action.Target,
		})
		return model.ActionResult{ActionID: action.ID, Success: true}, []model.Event{evt}, nil

	case model.ActionPowerRecoverySim:
		evt := sandboxEvent(model.TopicSystemAction, action, map[string]interface{}{
			"recovery_target": action.Target,
		})
		return model.ActionResult{ActionID: action.ID, Success: true}, []model.Event{evt}, nil

	default:
		err := errors.UnknownActionType(string(action.Type))
		return model.ActionResult{ActionID: action.ID, Success: false, Error: err.Error()}, nil, err
	}
}

// sandboxEvent builds the simulation-marked event an action "executes" as.
// simulation_mode and sandbox_only are mandatory on every action-emitted
// event (§3 Invariants): the actuator never reaches outside the system.
func sandboxEvent(topic string, action model.Action, extra map[string]interface{}) model.Event {
	details := map[string]interface{}{
		"action_id":       action.ID,
		"action_type":     string(action.Type),
		"simulation_mode": true,
		"sandbox_only":    true,
	}
	for k, v := range extra {
		details[k] = v
	}
	return model.Event{
		EventID:   uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Source:    "actuator",
		Severity:  model.SeverityInfo,
		Details:   details,
	}
}
