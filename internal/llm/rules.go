package llm

import (
	"context"
	"fmt"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// RulesProvider is the deterministic fallback generator (§4.3 step 2's
// "fallback to a deterministic rule set on any failure"). It never errors,
// so it is always safe as the last entry in a provider chain.
type RulesProvider struct{}

func NewRulesProvider() *RulesProvider { return &RulesProvider{} }

func (r *RulesProvider) Name() string { return ProviderRules }

// ProposeFix maps a triggering event's topic to a single sandboxed action
// using the verification metric table of §4.7.1, so every rule-generated fix
// is independently verifiable by construction.
func (r *RulesProvider) ProposeFix(ctx context.Context, trigger model.Event) (model.Fix, error) {
	action, impact, risk := ruleForTopic(trigger)

	title := fmt.Sprintf("Automated remediation for %s", trigger.Topic)
	if trigger.Summary != "" {
		title = trigger.Summary
	}

	correlationID := trigger.CorrelationID
	if correlationID == "" {
		correlationID = trigger.EventID
	}

	return model.Fix{
		CorrelationID:  correlationID,
		Title:          title,
		Summary:        fmt.Sprintf("Rule-based fix synthesized from %s (sector %s).", trigger.Topic, trigger.Sector),
		Actions:        []model.Action{action},
		RiskLevel:      risk,
		ExpectedImpact: impact,
	}, nil
}

func ruleForTopic(trigger model.Event) (model.Action, model.Impact, model.RiskLevel) {
	target := trigger.Sector
	if target == "" {
		target = "unknown-sector"
	}

	switch trigger.Topic {
	case model.TopicPowerFailure:
		return model.Action{
			Type:   model.ActionPowerRecoverySim,
			Target: target,
			Params: map[string]interface{}{"voltage": trigger.DetailFloat("voltage")},
			Verification: &model.Verification{
				Metric:        "voltage_stable",
				Threshold:     1,
				WindowSeconds: 300,
				Polarity:      model.MetricPolarityFor("voltage_stable"),
			},
		}, model.Impact{AffectedArea: target}, model.RiskMed

	case model.TopicTransitDisruptionRisk, model.TopicTransitHotspot:
		return model.Action{
			Type:   model.ActionTransitRerouteSim,
			Target: target,
			Params: map[string]interface{}{"risk": trigger.DetailFloat("risk_score")},
			Verification: &model.Verification{
				Metric:        "delay_reduction",
				Threshold:     2.0,
				WindowSeconds: 300,
				Polarity:      model.MetricPolarityFor("delay_reduction"),
			},
		}, model.Impact{DelayReductionMinutes: 2.0, AffectedArea: target}, model.RiskLow

	case model.TopicAirspaceConflict, model.TopicAirspaceHotspot:
		return model.Action{
			Type:   model.ActionAirspaceMitigation,
			Target: target,
			Params: map[string]interface{}{"bounding_box": trigger.DetailString("bounding_box")},
			Verification: &model.Verification{
				Metric:        "congestion_score",
				Threshold:     0.2,
				WindowSeconds: 300,
				Polarity:      model.MetricPolarityFor("congestion_score"),
			},
		}, model.Impact{AffectedArea: target}, model.RiskHigh

	case model.TopicGeoIncident, model.TopicGeoRiskArea:
		return model.Action{
			Type:   model.ActionTrafficAdvisorySim,
			Target: target,
			Params: map[string]interface{}{"risk_score": trigger.DetailFloat("risk_score")},
			Verification: &model.Verification{
				Metric:        "risk_score_delta",
				Threshold:     0.1,
				WindowSeconds: 300,
				Polarity:      model.MetricPolarityFor("risk_score_delta"),
			},
		}, model.Impact{RiskScoreDelta: 0.1, AffectedArea: target}, model.RiskMed

	default:
		return model.Action{
			Type:   model.ActionTrafficAdvisorySim,
			Target: target,
			Verification: &model.Verification{
				Metric:        "risk_score_delta",
				Threshold:     0.1,
				WindowSeconds: 300,
				Polarity:      model.MetricPolarityFor("risk_score_delta"),
			},
		}, model.Impact{AffectedArea: target}, model.RiskMed
	}
}
