package verifier

import (
	"context"
	"math"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/eventstore"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// baselineFactors are the "baseline = avg × k" heuristics of §4.7.1,
// exposed as fields so a caller can override them (the spec calls the
// heuristic a placeholder an implementer should be able to configure).
type baselineFactors struct {
	Transit  float64
	Traffic  float64
	Airspace float64
}

func defaultBaselineFactors() baselineFactors {
	return baselineFactors{Transit: 1.5, Traffic: 1.2, Airspace: 1.3}
}

// severityCongestionScore is §4.7.1's severity-to-score map for the
// airspace-mitigation-sim metric.
func severityCongestionScore(s model.Severity) float64 {
	switch s {
	case model.SeverityInfo:
		return 0.2
	case model.SeverityWarning:
		return 0.5
	case model.SeverityModerate:
		return 0.7
	case model.SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// metricResult is one computed metric, carrying both the heuristic baseline
// the verifier compares against and a pre-deployment snapshot average
// recorded alongside it per the dual-recording decision (SPEC_FULL §5–9).
type metricResult struct {
	Metric            string
	Actual            float64
	BaselineHeuristic float64
	PreDeploySnapshot float64
}

// computeMetric implements the §4.7.1 table for one action. window is
// [deployTime, deployTime+windowSeconds]; preDeployWindow is the same
// duration immediately preceding deployTime, used only for the
// dual-recorded snapshot.
func computeMetric(ctx context.Context, store eventstore.Store, action model.Action, deployTime time.Time, factors baselineFactors) (metricResult, error) {
	v := action.Verification
	windowEnd := deployTime.Add(time.Duration(v.WindowSeconds) * time.Second)
	preStart := deployTime.Add(-time.Duration(v.WindowSeconds) * time.Second)

	switch action.Type {
	case model.ActionTransitRerouteSim:
		topics := []string{model.TopicTransitDisruptionRisk, model.TopicTransitHotspot}
		avg, err := avgDetailField(ctx, store, topics, deployTime, windowEnd, "delay", "average_delay_minutes")
		if err != nil {
			return metricResult{}, err
		}
		preAvg, err := avgDetailField(ctx, store, topics, preStart, deployTime, "delay", "average_delay_minutes")
		if err != nil {
			return metricResult{}, err
		}
		baseline := avg * factors.Transit
		return metricResult{Metric: "delay_reduction", Actual: baseline - avg, BaselineHeuristic: baseline, PreDeploySnapshot: preAvg}, nil

	case model.ActionTrafficAdvisorySim:
		topics := []string{model.TopicGeoRiskArea}
		avg, err := avgDetailField(ctx, store, topics, deployTime, windowEnd, "risk_score")
		if err != nil {
			return metricResult{}, err
		}
		preAvg, err := avgDetailField(ctx, store, topics, preStart, deployTime, "risk_score")
		if err != nil {
			return metricResult{}, err
		}
		baseline := avg * factors.Traffic
		return metricResult{Metric: "risk_score_delta", Actual: baseline - avg, BaselineHeuristic: baseline, PreDeploySnapshot: preAvg}, nil

	case model.ActionAirspaceMitigation:
		topics := []string{model.TopicAirspaceHotspot}
		avg, err := avgSeverityScore(ctx, store, topics, deployTime, windowEnd)
		if err != nil {
			return metricResult{}, err
		}
		preAvg, err := avgSeverityScore(ctx, store, topics, preStart, deployTime)
		if err != nil {
			return metricResult{}, err
		}
		baseline := avg * factors.Airspace
		return metricResult{Metric: "congestion_score", Actual: baseline - avg, BaselineHeuristic: baseline, PreDeploySnapshot: preAvg}, nil

	case model.ActionPowerRecoverySim:
		topics := []string{model.TopicPowerFailure}
		events, err := store.Query(ctx, eventstore.Query{Topics: topics, From: deployTime, To: windowEnd})
		if err != nil {
			return metricResult{}, err
		}
		preEvents, err := store.Query(ctx, eventstore.Query{Topics: topics, From: preStart, To: deployTime})
		if err != nil {
			return metricResult{}, err
		}
		stable := 0.0
		if len(events) == 0 {
			stable = 1.0
		}
		preStable := 0.0
		if len(preEvents) == 0 {
			preStable = 1.0
		}
		// actual is the stability flag (1=stable, 0=unstable), compared
		// against the rule-generated threshold of 1; the "nominal 120 vs.
		// ≈0" voltage reading from §4.7.1 is informational only and is not
		// what the threshold comparison uses.
		return metricResult{Metric: "voltage_stable", Actual: stable, BaselineHeuristic: 1, PreDeploySnapshot: preStable}, nil

	default:
		return metricResult{}, nil
	}
}

func avgDetailField(ctx context.Context, store eventstore.Store, topics []string, from, to time.Time, fields ...string) (float64, error) {
	events, err := store.Query(ctx, eventstore.Query{Topics: topics, From: from, To: to})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	total := 0.0
	for _, evt := range events {
		for _, field := range fields {
			if val := evt.DetailFloat(field); val != 0 {
				total += val
				break
			}
		}
	}
	return total / float64(len(events)), nil
}

func avgSeverityScore(ctx context.Context, store eventstore.Store, topics []string, from, to time.Time) (float64, error) {
	events, err := store.Query(ctx, eventstore.Query{Topics: topics, From: from, To: to})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	total := 0.0
	for _, evt := range events {
		total += severityCongestionScore(evt.Severity)
	}
	return total / float64(len(events)), nil
}

// comparePolarity implements §4.7 step 2's comparison rule.
func comparePolarity(polarity model.MetricPolarity, actual, threshold float64) bool {
	switch polarity {
	case model.PolarityDelta:
		return math.Abs(actual) >= math.Abs(threshold)
	case model.PolarityStability:
		return actual == threshold
	case model.PolarityReduction:
		return actual >= threshold
	default:
		return actual >= threshold
	}
}
