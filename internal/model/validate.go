package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateFix checks a proposer-synthesized Fix against the schema and the
// closed action-type set (§4.3 step 3: "Validate the returned JSON against
// the fix schema; on failure, discard and fall back").
func ValidateFix(f Fix) error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("fix schema validation: %w", err)
	}
	for i, a := range f.Actions {
		if !KnownActionTypes[a.Type] {
			return fmt.Errorf("fix schema validation: action[%d] has unknown type %q", i, a.Type)
		}
	}
	return nil
}

// ValidateThreat checks a detector-synthesized Threat against the schema.
func ValidateThreat(t Threat) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("threat schema validation: %w", err)
	}
	if t.Disclaimer == "" {
		return fmt.Errorf("threat schema validation: disclaimer is required")
	}
	return nil
}
