package llm

import (
	"fmt"
	"strings"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// fixJSONSchemaHint is embedded in every prompt so both providers return a
// payload model.ValidateFix can accept without further massaging (§4.3 step 3).
const fixJSONSchemaHint = `Respond with ONLY a JSON object matching this shape, no prose:
{
  "title": string,
  "summary": string,
  "risk_level": "low"|"med"|"high",
  "actions": [{"type": "transit-reroute-sim"|"traffic-advisory-sim"|"airspace-mitigation-sim"|"power-recovery-sim", "target": string, "params": object, "verification": {"metric": string, "threshold": number, "window_seconds": number}}],
  "expected_impact": {"delay_reduction_minutes": number, "risk_score_delta": number, "affected_area": string}
}`

func buildFixPrompt(trigger model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A %s severity event was observed on topic %s in sector %s.\n", trigger.Severity, trigger.Topic, trigger.Sector)
	fmt.Fprintf(&b, "Summary: %s\n", trigger.Summary)
	fmt.Fprintf(&b, "Propose exactly one sandboxed remediation action with a verifiable metric claim.\n\n")
	b.WriteString(fixJSONSchemaHint)
	return b.String()
}

// extractJSON trims leading/trailing prose a model sometimes wraps the JSON
// object in, returning the substring from the first '{' to the last '}'.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
