package policy

import (
	"time"

	"github.com/piiagent/integrator/pkg/engine"
)

// BuiltinPolicies returns the modules loaded when no policy path is configured.
func BuiltinPolicies() []Policy {
	return []Policy{autoApprovalPolicy()}
}

// autoApprovalPolicy mirrors engine.DefaultAutoApprovalPolicy. Pre-vetted types
// are read from data.prevetted so they can be overridden without editing Rego.
func autoApprovalPolicy() Policy {
	return Policy{
		Name:        "autoapproval",
		Description: "Approves confirmations whose newly selected resources are pre-vetted, not VM-hosted and credentialed when required",
		LoadedAt:    time.Now(),
		Rego: `package integrator.autoapproval

import rego.v1

vetted contains t if {
	some t in data.prevetted[input.provider]
}

candidates contains r if {
	some r in input.resources
	r.selected
	not r.active
}

deny contains msg if {
	some r in candidates
	r.vm
	msg := sprintf("%s is VM-hosted", [r.resource_id])
}

deny contains msg if {
	some r in candidates
	not r.vm
	not r.type in vetted
	msg := sprintf("%s has type %s which is not pre-vetted for %s", [r.resource_id, r.type, input.provider])
}

deny contains msg if {
	some r in candidates
	not r.vm
	r.type in vetted
	r.requires_credential
	not r.has_credential
	msg := sprintf("%s requires a credential", [r.resource_id])
}
`,
	}
}

// preVettedData converts a pre-vetted type table into the JSON shape expected
// under data.prevetted.
func preVettedData(preVetted map[engine.CloudProvider][]engine.ResourceType) map[string]interface{} {
	if preVetted == nil {
		preVetted = engine.DefaultPreVettedTypes
	}
	out := make(map[string]interface{}, len(preVetted))
	for provider, types := range preVetted {
		list := make([]interface{}, 0, len(types))
		for _, t := range types {
			list = append(list, string(t))
		}
		out[string(provider)] = list
	}
	return map[string]interface{}{"prevetted": out}
}
