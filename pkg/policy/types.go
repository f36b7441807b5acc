package policy

import (
	"time"

	"github.com/piiagent/integrator/pkg/engine"
)

// DefaultQuery is the Rego query evaluated for an auto-approval decision. It
// must produce a set of denial reasons; an empty set approves.
const DefaultQuery = "data.integrator.autoapproval.deny"

// Policy is a Rego module that contributes to the auto-approval decision.
type Policy struct {
	// Name identifies the module, usually the file name without extension.
	Name string `json:"name" validate:"required"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description,omitempty"`

	// Rego is the module source.
	Rego string `json:"rego" validate:"required"`

	// Source is the file the module was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the module was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Bundle is a JSON document carrying several modules.
type Bundle struct {
	Name     string   `json:"name"`
	Version  string   `json:"version,omitempty"`
	Policies []Policy `json:"policies" validate:"required,min=1,dive"`
}

// manualResult is the fail-closed decision returned when a policy cannot decide.
func manualResult(policy, reason string) engine.AutoApprovalResult {
	return engine.AutoApprovalResult{
		ShouldAutoApprove: false,
		Reasons:           []string{reason},
		Policy:            policy,
	}
}
