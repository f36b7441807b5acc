// Package policy provides pluggable auto-approval policies for the integration
// orchestrator.
//
// Two implementations of engine.AutoApprovalPolicy live here:
//
//  1. RegoPolicy - evaluates Open Policy Agent modules. Without configured
//     paths it runs a built-in module equivalent to
//     engine.DefaultAutoApprovalPolicy, reading pre-vetted resource types from
//     data.prevetted. Modules can be loaded from .rego files, JSON bundles or
//     directories and are recompiled when the files change.
//  2. StarlarkPolicy - calls evaluate(input) in an operator-provided script.
//
// Both fail closed: a compile, evaluation or decoding error produces a
// manual-approval decision carrying the error as its reason, never an error
// returned to the caller.
//
// # Input document
//
//	{
//	  "provider": "AWS",
//	  "resources": [
//	    {"resource_id": "...", "type": "RDS", "selected": true, "active": false,
//	     "vm": false, "requires_credential": true, "has_credential": true,
//	     "has_endpoint": false}
//	  ]
//	}
//
// # Rego
//
// The query (DefaultQuery) must yield a set of denial reasons. Each element is
// either a string or an object with "message" and optional "resource_id":
//
//	package integrator.autoapproval
//
//	import rego.v1
//
//	deny contains msg if {
//	    some r in input.resources
//	    r.selected
//	    r.type == "REDSHIFT"
//	    msg := sprintf("%s needs a security review", [r.resource_id])
//	}
//
// # Starlark
//
//	def evaluate(input):
//	    reasons = [r["resource_id"] for r in input["resources"] if r["vm"] and r["selected"]]
//	    return {"approve": len(reasons) == 0, "reasons": reasons}
package policy
