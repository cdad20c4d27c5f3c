package model

import "time"

// DeploymentStatus tracks a fix_id's (or action_id's) actuation state (§3,
// §4.6 state machine). It is the value the idempotency check reads.
type DeploymentStatus string

const (
	DeploymentStarted   DeploymentStatus = "started"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
)

// TimelineEntry is one append-only provenance entry on a deployment record.
type TimelineEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ActionResult captures the outcome of dispatching a single action.
type ActionResult struct {
	ActionID string `json:"action_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// DeploymentRecord is keyed by fix_id (or action_id for defense) and is the
// source of truth the actuator's idempotency check consults (§4.6, §4.9).
type DeploymentRecord struct {
	Key             string           `json:"key"`
	Status          DeploymentStatus `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ExecutedActions []ActionResult   `json:"executed_actions"`
	Error           string           `json:"error,omitempty"`
	Timeline        []TimelineEntry  `json:"timeline"`
}

// AppendTimeline appends a provenance entry, mutating the record in place.
func (d *DeploymentRecord) AppendTimeline(status, message string, data map[string]interface{}) {
	d.Timeline = append(d.Timeline, TimelineEntry{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Message:   message,
		Data:      data,
	})
}

// InFlight reports whether the idempotency check must treat this record as
// already handled: started or succeeded are no-ops for a repeat
// deploy_requested; failed restarts (§3 Invariants).
func (d DeploymentRecord) InFlight() bool {
	return d.Status == DeploymentStarted || d.Status == DeploymentSucceeded
}
