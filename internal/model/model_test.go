package model

import (
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	base := Event{
		EventID:   "e1",
		Topic:     TopicPowerFailure,
		Timestamp: time.Now().UTC(),
		Source:    "power-adapter",
		Severity:  SeverityCritical,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}

	naive := base
	naive.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	naive.Timestamp = time.Time{}
	if err := naive.Validate(); err == nil {
		t.Fatalf("expected zero timestamp to be rejected")
	}

	badSeverity := base
	badSeverity.Severity = "catastrophic"
	if err := badSeverity.Validate(); err == nil {
		t.Fatalf("expected invalid severity to be rejected")
	}
}

func TestSeverityRankMonotonicity(t *testing.T) {
	if !(SeverityInfo.Rank() < SeverityWarning.Rank() &&
		SeverityWarning.Rank() < SeverityModerate.Rank() &&
		SeverityModerate.Rank() < SeverityCritical.Rank()) {
		t.Fatalf("severity ranks are not strictly increasing")
	}
}

func TestValidateFixRejectsUnknownActionType(t *testing.T) {
	f := Fix{
		FixID:         "FIX-20260730-deadbeef",
		CorrelationID: "corr-1",
		Source:        SourceRules,
		Title:         "test",
		RiskLevel:     RiskMed,
		Actions: []Action{
			{Type: "not-a-real-type", Target: "sector-1"},
		},
	}
	if err := ValidateFix(f); err == nil {
		t.Fatalf("expected unknown action type to fail validation")
	}
}

func TestValidateFixAcceptsKnownActionType(t *testing.T) {
	f := Fix{
		FixID:         "FIX-20260730-deadbeef",
		CorrelationID: "corr-1",
		Source:        SourceRules,
		Title:         "test",
		RiskLevel:     RiskMed,
		Actions: []Action{
			{Type: ActionPowerRecoverySim, Target: "sector-1"},
		},
	}
	if err := ValidateFix(f); err != nil {
		t.Fatalf("expected valid fix, got %v", err)
	}
}

func TestMetricPolarityFor(t *testing.T) {
	cases := map[string]MetricPolarity{
		"delay_reduction":  PolarityReduction,
		"risk_score_delta": PolarityDelta,
		"congestion_score": PolarityReduction,
		"voltage_stable":   PolarityStability,
	}
	for metric, want := range cases {
		if got := MetricPolarityFor(metric); got != want {
			t.Errorf("MetricPolarityFor(%q) = %v, want %v", metric, got, want)
		}
	}
}

func TestVerificationRecordAllPassed(t *testing.T) {
	rec := VerificationRecord{
		PerActionResults: []ActionVerdict{
			{Status: VerificationVerified},
			{Status: VerificationSkipped},
		},
	}
	if !rec.AllPassed() {
		t.Fatalf("expected all-passed when no verdict failed")
	}
	rec.PerActionResults = append(rec.PerActionResults, ActionVerdict{Status: VerificationFailed})
	if rec.AllPassed() {
		t.Fatalf("expected not-all-passed when a verdict failed")
	}
}

func TestDeploymentRecordInFlight(t *testing.T) {
	rec := DeploymentRecord{Status: DeploymentStarted}
	if !rec.InFlight() {
		t.Fatalf("started should be in-flight")
	}
	rec.Status = DeploymentSucceeded
	if !rec.InFlight() {
		t.Fatalf("succeeded should be in-flight")
	}
	rec.Status = DeploymentFailed
	if rec.InFlight() {
		t.Fatalf("failed should not be in-flight (restarts)")
	}
}
