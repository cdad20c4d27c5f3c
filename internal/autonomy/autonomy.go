// Package autonomy implements the autonomy router (C4, §4.4): tracks the
// current operator autonomy level and routes recovery.plan events to either
// automatic execution or a human approval request.
package autonomy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// Level is the autonomy mode (§4.4).
type Level string

const (
	LevelNormal Level = "NORMAL"
	LevelHigh   Level = "HIGH"
)

// approvalExpiry is the one-hour window §4.4 mandates for approval.required.
const approvalExpiry = time.Hour

// Router is C4. State is process-local; a single instance is the sole
// writer, so no additional locking is needed across components (§5 Shared-
// resource policy) — the mutex here only guards the router's own field
// against its own two handlers (operator.status writer, recovery.plan reader)
// running concurrently on different dispatcher topics.
type Router struct {
	bus   bus.Bus
	store eventstore.Store
	log   *logging.Logger

	mu    sync.RWMutex
	level Level
}

// New builds a Router starting at initialLevel (config's
// autonomy_initial_level, default NORMAL).
func New(b bus.Bus, store eventstore.Store, initialLevel Level, log *logging.Logger) *Router {
	if initialLevel != LevelNormal && initialLevel != LevelHigh {
		initialLevel = LevelNormal
	}
	return &Router{bus: b, store: store, log: log, level: initialLevel}
}

// Level returns the current autonomy level.
func (r *Router) Level() Level {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.level
}

// Start subscribes to operator.status (level updates) and recovery.plan
// (routing decisions).
func (r *Router) Start() error {
	if err := r.bus.Subscribe(model.TopicOperatorStatus, r.handleOperatorStatus); err != nil {
		return fmt.Errorf("autonomy: subscribe operator.status: %w", err)
	}
	if err := r.bus.Subscribe(model.TopicRecoveryPlan, r.handleRecoveryPlan); err != nil {
		return fmt.Errorf("autonomy: subscribe recovery.plan: %w", err)
	}
	return nil
}

func (r *Router) handleOperatorStatus(ctx context.Context, evt model.Event) error {
	lvl := Level(evt.DetailString("autonomy_level"))
	if lvl != LevelNormal && lvl != LevelHigh {
		r.log.WithFields(map[string]interface{}{"autonomy_level": string(lvl)}).
			Warn("autonomy: ignoring operator.status with unrecognized autonomy_level")
		return nil
	}
	r.mu.Lock()
	r.level = lvl
	r.mu.Unlock()
	r.log.WithFields(map[string]interface{}{"autonomy_level": string(lvl)}).Info("autonomy: level updated")
	return nil
}

func (r *Router) handleRecoveryPlan(ctx context.Context, evt model.Event) error {
	level := r.Level()

	if level == LevelHigh {
		return r.routeAutomatic(ctx, evt)
	}
	return r.routeForApproval(ctx, evt)
}

// routeAutomatic emits audit.decision (type=automated, outcome=pending) and
// system.action (status=executing) with no human in the loop (§4.4 HIGH).
func (r *Router) routeAutomatic(ctx context.Context, evt model.Event) error {
	decisionID := "AD-" + uuid.NewString()
	now := time.Now().UTC()

	decision := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicAuditDecision,
		Timestamp:     now,
		Source:        "autonomy-router",
		Severity:      evt.Severity,
		Sector:        evt.Sector,
		CorrelationID: evt.CorrelationID,
		Details: map[string]interface{}{
			"decision_id": decisionID,
			"type":        "automated",
			"outcome":     "pending",
			"plan_id":     evt.DetailString("plan_id"),
		},
	}
	if err := r.publish(ctx, decision); err != nil {
		return err
	}

	action := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicSystemAction,
		Timestamp:     now,
		Source:        "autonomy-router",
		Severity:      evt.Severity,
		Sector:        evt.Sector,
		CorrelationID: evt.CorrelationID,
		Details: map[string]interface{}{
			"decision_id":     decisionID,
			"status":          "executing",
			"plan_id":         evt.DetailString("plan_id"),
			"simulation_mode": true,
			"sandbox_only":    true,
		},
	}
	return r.publish(ctx, action)
}

// routeForApproval emits approval.required with a one-hour expiry (§4.4 NORMAL).
func (r *Router) routeForApproval(ctx context.Context, evt model.Event) error {
	now := time.Now().UTC()
	approval := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicApprovalRequired,
		Timestamp:     now,
		Source:        "autonomy-router",
		Severity:      evt.Severity,
		Sector:        evt.Sector,
		CorrelationID: evt.CorrelationID,
		Details: map[string]interface{}{
			"plan_id":    evt.DetailString("plan_id"),
			"expires_at": now.Add(approvalExpiry).Format(time.RFC3339),
		},
	}
	return r.publish(ctx, approval)
}

func (r *Router) publish(ctx context.Context, evt model.Event) error {
	if err := r.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := r.store.Append(ctx, evt); err != nil {
		r.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("autonomy: failed to log published event")
	}
	metrics.FixLifecycleTransitions.WithLabelValues(evt.Topic).Inc()
	return nil
}
