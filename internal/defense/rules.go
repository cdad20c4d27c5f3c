// Package defense implements the defense sub-chain (C8, §4.8): an isomorphic
// parallel to the fix lifecycle (C3-C7) for threat detection, assessment,
// sandboxed informational action, and verification. Every side effect here
// is explicitly informational: alert-level changes, public advisories,
// monitoring-rate bumps, and autonomy locks, never a real-world action.
package defense

import (
	"fmt"
	"os"
	"time"

	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// RuleConfig holds the four rule families' thresholds (§4.8, grounded in
// original_source/agents/defense_detector.py's module-level constants).
// Overridable via an optional YAML file named by DEFENSE_RULES_CONFIG_PATH,
// mirroring the original's per-rule environment-variable knobs collapsed
// into one structured file the way the teacher prefers for subsystem tuning.
// DedupWindowSeconds and DedupRadiusKM are parsed but not read by the
// detector: its spatial dedup window and radius come from the engine
// configuration (DEDUPLICATION_WINDOW_SECONDS, SPATIAL_DEDUPLICATION_RADIUS_KM).
type RuleConfig struct {
	EventSpikeWindowSeconds        int     `yaml:"event_spike_window_seconds"`
	EventSpikeThreshold            int     `yaml:"event_spike_threshold"`
	ConflictWindowSeconds          int     `yaml:"conflict_window_seconds"`
	ConflictJumpRatio              float64 `yaml:"conflict_jump_ratio"`
	EnvironmentalRiskThreshold     float64 `yaml:"environmental_risk_threshold"`
	EnvironmentalRiskExpr          string  `yaml:"environmental_risk_expr"`
	MultiSystemStressWindowSeconds int     `yaml:"multi_system_stress_window_seconds"`
	MultiSystemStressMinSystems    int     `yaml:"multi_system_stress_min_systems"`
	DedupWindowSeconds             int     `yaml:"dedup_window_seconds"`
	DedupRadiusKM                  float64 `yaml:"dedup_radius_km"`
	SpatialBucketKM                float64 `yaml:"spatial_bucket_km"`
}

// DefaultRuleConfig matches the original's hardcoded constants exactly.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		EventSpikeWindowSeconds:        60,
		EventSpikeThreshold:            10,
		ConflictWindowSeconds:          30,
		ConflictJumpRatio:              0.5,
		EnvironmentalRiskThreshold:     0.7,
		EnvironmentalRiskExpr:          ".risk_score // .risk // .environmental_risk",
		MultiSystemStressWindowSeconds: 120,
		MultiSystemStressMinSystems:    3,
		DedupWindowSeconds:             300,
		DedupRadiusKM:                  5.0,
		SpatialBucketKM:                1.0,
	}
}

// LoadRuleConfig returns DefaultRuleConfig when path is empty, otherwise
// reads and overlays a YAML file on top of the defaults (a field absent from
// the file keeps its default; a field set in the file, even to zero,
// replaces it).
func LoadRuleConfig(path string) (RuleConfig, error) {
	cfg := DefaultRuleConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("defense: read rules config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("defense: parse rules config %s: %w", path, err)
	}
	return cfg, nil
}

func (c RuleConfig) eventSpikeWindow() time.Duration {
	return time.Duration(c.EventSpikeWindowSeconds) * time.Second
}

func (c RuleConfig) conflictWindow() time.Duration {
	return time.Duration(c.ConflictWindowSeconds) * time.Second
}

func (c RuleConfig) multiSystemStressWindow() time.Duration {
	return time.Duration(c.MultiSystemStressWindowSeconds) * time.Second
}

func (c RuleConfig) dedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// environmentalRisk evaluates the configured jq expression against an
// event's details, returning the risk score and whether one was found.
// gojq generalizes the original's "try risk_score, then risk, then
// environmental_risk" chain into one configurable expression.
func (c RuleConfig) environmentalRisk(details map[string]interface{}) (float64, bool) {
	query, err := gojq.Parse(c.EnvironmentalRiskExpr)
	if err != nil {
		return 0, false
	}
	iter := query.Run(map[string]interface{}(details))
	v, ok := iter.Next()
	if !ok || v == nil {
		return 0, false
	}
	if errVal, isErr := v.(error); isErr && errVal != nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// severityFromMagnitude maps a numeric confidence-producing magnitude onto the
// defense sub-chain's four-tier severity scale (§3), reusing the original's
// per-rule magnitude thresholds.
func severityFromMagnitude(magnitude float64, tiers [3]float64) model.ThreatSeverity {
	switch {
	case magnitude >= tiers[2]:
		return model.ThreatSeverityCritical
	case magnitude >= tiers[1]:
		return model.ThreatSeverityHigh
	case magnitude >= tiers[0]:
		return model.ThreatSeverityMed
	default:
		return model.ThreatSeverityLow
	}
}
