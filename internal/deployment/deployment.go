// Package deployment implements the deployment status store (C9, §4.9): a
// keyed record per fix_id/action_id consulted for idempotency. CreateStarted
// is the "single most important locking contract in the system" (§5): it
// must atomically check the current status and, if absent or failed,
// transition to started, so two concurrent fix.deploy_requested messages for
// the same key never both enter the started state.
package deployment

import (
	"context"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// Store is the C9 contract, shared by the fix actuator (fix_deployments) and
// the defense actuator (defense_deployments, keyed by action_id).
type Store interface {
	// Get returns the record for key, or ok=false if absent.
	Get(ctx context.Context, key string) (model.DeploymentRecord, bool, error)

	// CreateStarted atomically checks key's current status and, if absent or
	// DeploymentFailed, writes a fresh DeploymentStarted record and returns
	// alreadyInFlight=false. If the existing status is Started or Succeeded,
	// it returns the existing record unchanged with alreadyInFlight=true
	// (§4.6 step 1, §3 Invariants idempotency).
	CreateStarted(ctx context.Context, key string) (record model.DeploymentRecord, alreadyInFlight bool, err error)

	// UpdateStatus transitions key to status, recording executedActions and
	// errMsg (if any), and appends a timeline entry.
	UpdateStatus(ctx context.Context, key string, status model.DeploymentStatus, executedActions []model.ActionResult, errMsg string) error

	Close() error
}

// VerificationStore is C9's verification-side counterpart (fix_verifications
// / defense_verifications).
type VerificationStore interface {
	Get(ctx context.Context, key string) (model.VerificationRecord, bool, error)
	CreateInProgress(ctx context.Context, key string) (model.VerificationRecord, error)
	Complete(ctx context.Context, key string, status model.VerificationStatus, results []model.ActionVerdict, aggregated map[string]float64) error
	AppendTimeline(ctx context.Context, key, status, message string, data map[string]interface{}) error
	// InProgressKeys lists verification records still in_progress. The
	// engine does not call it at startup; pending verification windows
	// resume from the scheduler's persisted tasks.
	InProgressKeys(ctx context.Context) ([]string, error)
	Close() error
}
