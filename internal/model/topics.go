package model

// Canonical bus topics (§6 External Interfaces). Dot-separated namespaces;
// the root prefix is applied by the bus implementation from configuration.
const (
	// Fix lifecycle.
	TopicFixProposed         = "fix.proposed"
	TopicFixReviewRequired   = "fix.review_required"
	TopicFixApproved         = "fix.approved"
	TopicFixRejected         = "fix.rejected"
	TopicFixDeployRequested  = "fix.deploy_requested"
	TopicFixDeployStarted    = "fix.deploy_started"
	TopicFixDeploySucceeded  = "fix.deploy_succeeded"
	TopicFixDeployFailed     = "fix.deploy_failed"
	TopicFixVerified         = "fix.verified"
	TopicFixRollbackRequest  = "fix.rollback_requested"
	TopicFixRollbackSucceeds = "fix.rollback_succeeded"

	// Defense sub-chain.
	TopicDefenseThreatDetected  = "defense.threat.detected"
	TopicDefenseThreatAssessed  = "defense.threat.assessed"
	TopicDefenseThreatEscalated = "defense.threat.escalated"
	TopicDefensePostureChanged  = "defense.posture.changed"
	TopicDefenseActionProposed  = "defense.action.proposed"
	TopicDefenseActionApproved  = "defense.action.approved"
	TopicDefenseActionDeployed  = "defense.action.deployed"
	TopicDefenseThreatResolved  = "defense.threat.resolved"

	// Domain triggers consumed by the engine.
	TopicPowerFailure          = "power.failure"
	TopicRecoveryPlan          = "recovery.plan"
	TopicTransitDisruptionRisk = "transit.disruption.risk"
	TopicTransitHotspot        = "transit.hotspot"
	TopicAirspaceConflict      = "airspace.conflict.detected"
	TopicAirspaceHotspot       = "airspace.hotspot.detected"
	TopicGeoIncident           = "geo.incident"
	TopicGeoRiskArea           = "geo.risk_area"
	TopicOperatorStatus        = "operator.status"

	// Sandbox emissions.
	TopicTransitMitigationApplied  = "transit.mitigation.applied"
	TopicAirspaceMitigationApplied = "airspace.mitigation.applied"
	TopicSystemAction              = "system.action"

	// Autonomy router outputs (§4.4).
	TopicApprovalRequired = "approval.required"
	TopicAuditDecision    = "audit.decision"
)

// NonFixTopics lists every domain-trigger topic the fix proposer (C3)
// subscribes to; it never consumes fix.* or defense.* topics (loop prevention).
var NonFixTopics = []string{
	TopicPowerFailure,
	TopicTransitDisruptionRisk,
	TopicTransitHotspot,
	TopicAirspaceConflict,
	TopicAirspaceHotspot,
	TopicGeoIncident,
	TopicGeoRiskArea,
}

// DefenseInputTopics lists every topic the defense detector (C8) correlates
// over its sliding window; explicitly excludes defense.* and fix.* topics.
var DefenseInputTopics = []string{
	TopicPowerFailure,
	TopicTransitDisruptionRisk,
	TopicTransitHotspot,
	TopicAirspaceConflict,
	TopicAirspaceHotspot,
	TopicGeoIncident,
	TopicGeoRiskArea,
}
