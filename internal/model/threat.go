package model

import "time"

// ThreatType is the closed set of defense sub-chain categories (§3).
type ThreatType string

const (
	ThreatAirspace      ThreatType = "airspace"
	ThreatCyberPhysical ThreatType = "cyber-physical"
	ThreatEnvironmental ThreatType = "environmental"
	ThreatCivil         ThreatType = "civil"
)

// ThreatSeverity is the defense sub-chain's own severity scale, distinct from
// the bus-wide Severity because it includes no "moderate" tier (§3).
type ThreatSeverity string

const (
	ThreatSeverityLow      ThreatSeverity = "low"
	ThreatSeverityMed      ThreatSeverity = "med"
	ThreatSeverityHigh     ThreatSeverity = "high"
	ThreatSeverityCritical ThreatSeverity = "critical"
)

// Threat parallels Fix for the defense sub-chain (§3, §4.8).
type Threat struct {
	ThreatID        string                 `json:"threat_id" validate:"required"`
	ThreatType      ThreatType             `json:"threat_type" validate:"required"`
	ConfidenceScore float64                `json:"confidence_score" validate:"min=0,max=1"`
	Severity        ThreatSeverity         `json:"severity" validate:"required"`
	AffectedArea    map[string]interface{} `json:"affected_area"` // GeoJSON geometry
	Sources         []string               `json:"sources"`
	Summary         string                 `json:"summary"`
	DetectedAt      time.Time              `json:"detected_at"`
	Disclaimer      string                 `json:"disclaimer" validate:"required"`
}

// MandatoryDisclaimer is the fixed informational-only notice every detected
// threat must carry (§8 Testable Property 5).
const MandatoryDisclaimer = "INFORMATIONAL ONLY: this subsystem does not perform real-world defensive action; all outputs are advisory and sandboxed."

// DefenseActionType is the closed set of informational defense actions (§4.8).
type DefenseActionType string

const (
	DefenseActionAlertLevel     DefenseActionType = "alert-level-change"
	DefenseActionPublicAdvisory DefenseActionType = "public-advisory"
	DefenseActionMonitoringRate DefenseActionType = "monitoring-rate-bump"
	DefenseActionAutonomyLock   DefenseActionType = "autonomy-lock"
)
