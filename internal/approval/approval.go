// Package approval implements the approval gate (C5, §4.5): a minimal
// control-plane HTTP surface for approve/reject decisions on fixes awaiting
// review_required.
package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/metrics"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// Gate is C5. The spec notes the control plane is "typically invoked via a
// control-plane command (HTTP endpoint in the source; bus topic in the
// rewrite)" — this module provides the HTTP surface, grounded in the
// teacher's gorilla/mux service handlers.
type Gate struct {
	bus   bus.Bus
	store eventstore.Store
	log   *logging.Logger
}

// New builds a Gate.
func New(b bus.Bus, store eventstore.Store, log *logging.Logger) *Gate {
	return &Gate{bus: b, store: store, log: log}
}

// RegisterRoutes attaches the gate's endpoints to r, matching the teacher's
// per-service registerRoutes() convention.
func (g *Gate) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/fixes/{fix_id}/approve", g.handleApprove).Methods("POST")
	r.HandleFunc("/fixes/{fix_id}/reject", g.handleReject).Methods("POST")
}

type decisionRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

func (g *Gate) handleApprove(w http.ResponseWriter, r *http.Request) {
	fixID := mux.Vars(r)["fix_id"]

	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx := r.Context()
	correlationID, actions, err := g.requireReviewRequired(ctx, fixID)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	approved := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicFixApproved,
		Timestamp:     now,
		Source:        "approval-gate",
		Severity:      model.SeverityInfo,
		CorrelationID: correlationID,
		Details: map[string]interface{}{
			"fix_id":      fixID,
			"approved_by": req.ApproverID,
		},
	}
	if err := g.publish(ctx, approved); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Published strictly after fix.approved on this same goroutine, resolving
	// spec §9's open question about the approved/deploy_requested race: this
	// gate is the sole trigger, and deploy_requested always follows approved.
	// It carries the reviewed fix's action list for the actuator.
	deployRequested := approved
	deployRequested.EventID = uuid.NewString()
	deployRequested.Topic = model.TopicFixDeployRequested
	deployRequested.Details = map[string]interface{}{
		"fix_id":      fixID,
		"approved_by": req.ApproverID,
		"actions":     actions,
	}
	if err := g.publish(ctx, deployRequested); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"fix_id": fixID, "status": "approved"})
}

func (g *Gate) handleReject(w http.ResponseWriter, r *http.Request) {
	fixID := mux.Vars(r)["fix_id"]

	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx := r.Context()
	correlationID, _, err := g.requireReviewRequired(ctx, fixID)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	rejected := model.Event{
		EventID:       uuid.NewString(),
		Topic:         model.TopicFixRejected,
		Timestamp:     time.Now().UTC(),
		Source:        "approval-gate",
		Severity:      model.SeverityInfo,
		CorrelationID: correlationID,
		Details: map[string]interface{}{
			"fix_id":      fixID,
			"rejected_by": req.ApproverID,
			"reason":      req.Reason,
		},
	}
	if err := g.publish(ctx, rejected); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fix_id": fixID, "status": "rejected"})
}

// requireReviewRequired enforces §4.5's "no validation beyond fix exists and
// is in review_required state" by consulting the event store: a fix is
// approvable iff a fix.review_required for it exists with no later
// fix.approved/fix.rejected. It returns the correlation id and the action
// list carried by that fix.review_required event.
func (g *Gate) requireReviewRequired(ctx context.Context, fixID string) (string, interface{}, error) {
	events, err := g.store.ByDetailsField(ctx, []string{
		model.TopicFixReviewRequired, model.TopicFixApproved, model.TopicFixRejected,
	}, "fix_id", fixID)
	if err != nil {
		return "", nil, err
	}

	var correlationID string
	var actions interface{}
	reviewRequired := false
	decided := false
	for _, evt := range events {
		switch evt.Topic {
		case model.TopicFixReviewRequired:
			reviewRequired = true
			correlationID = evt.CorrelationID
			actions = evt.Details["actions"]
		case model.TopicFixApproved, model.TopicFixRejected:
			decided = true
		}
	}
	if !reviewRequired || decided {
		return "", nil, errNotReviewable(fixID)
	}
	return correlationID, actions, nil
}

func (g *Gate) publish(ctx context.Context, evt model.Event) error {
	if err := g.bus.Publish(ctx, evt.Topic, evt); err != nil {
		return err
	}
	if err := g.store.Append(ctx, evt); err != nil {
		g.log.WithError(err).WithFields(map[string]interface{}{"topic": evt.Topic}).
			Warn("approval: failed to log published event")
	}
	metrics.FixLifecycleTransitions.WithLabelValues(evt.Topic).Inc()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
