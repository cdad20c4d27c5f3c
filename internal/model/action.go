package model

// ActionType is the closed set of sandboxed remediation actions the actuator
// knows how to dispatch (§3). Any other value is a BusinessInvariant
// violation (S6).
type ActionType string

const (
	ActionTransitRerouteSim  ActionType = "transit-reroute-sim"
	ActionTrafficAdvisorySim ActionType = "traffic-advisory-sim"
	ActionAirspaceMitigation ActionType = "airspace-mitigation-sim"
	ActionPowerRecoverySim   ActionType = "power-recovery-sim"
)

// KnownActionTypes is the closed set used for validation.
var KnownActionTypes = map[ActionType]bool{
	ActionTransitRerouteSim:  true,
	ActionTrafficAdvisorySim: true,
	ActionAirspaceMitigation: true,
	ActionPowerRecoverySim:   true,
}

// MetricPolarity describes how a verification threshold is compared against
// the observed metric (§4.7.1).
type MetricPolarity string

const (
	// PolarityReduction requires actual >= threshold (a claimed reduction).
	PolarityReduction MetricPolarity = "reduction"
	// PolarityDelta requires |actual| >= |threshold|.
	PolarityDelta MetricPolarity = "delta"
	// PolarityStability requires actual == threshold (boolean-ish stability).
	PolarityStability MetricPolarity = "stability"
)

// Verification is the (metric, threshold, window) triple an action claims.
// Its absence on an Action means that action is not independently verifiable.
type Verification struct {
	Metric        string         `json:"metric" validate:"required"`
	Threshold     float64        `json:"threshold"`
	WindowSeconds int            `json:"window_seconds" validate:"required,min=1"`
	Polarity      MetricPolarity `json:"polarity"`
}

// Action is one ordered step of a Fix.
type Action struct {
	ID           string                 `json:"id"`
	Type         ActionType             `json:"type" validate:"required"`
	Target       string                 `json:"target" validate:"required"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Verification *Verification          `json:"verification,omitempty"`
}

// Verifiable reports whether this action carries a verification clause.
func (a Action) Verifiable() bool {
	return a.Verification != nil
}

// MetricPolarityFor returns the comparison rule for a given metric name, per
// the table in §4.7.1. Unknown metrics default to PolarityReduction, the
// table's most common case.
func MetricPolarityFor(metric string) MetricPolarity {
	switch metric {
	case "risk_score_delta":
		return PolarityDelta
	case "voltage_stable":
		return PolarityStability
	case "delay_reduction", "congestion_score":
		return PolarityReduction
	default:
		return PolarityReduction
	}
}
