// Package engine implements the integration process of PII-agent target
// sources.
//
// # Overview
//
// A target source is a cloud account, subscription, project or on-premise
// environment that is onboarded in six stages:
//
//  1. WAITING_TARGET_CONFIRMATION - resources are discovered and selected
//  2. WAITING_APPROVAL - an approval request awaits a decision
//  3. INSTALLING - service and resource infrastructure is applied
//  4. WAITING_CONNECTION_TEST - the agent must reach every database
//  5. CONNECTION_VERIFIED - an administrator confirms completion
//  6. INSTALLATION_COMPLETE
//
// The stage is never stored. ComputeStage derives it from the project
// status facets (scan, target, approval, installation, connection test)
// and the provider-specific InstallationFacts.
//
// # Orchestrator
//
// Orchestrator is the entry point for every operation. Each mutation loads
// the target source inside a repository transaction, checks the caller's
// permissions, applies the transition and appends project history before
// committing. Side effects such as events and metrics are emitted only
// after the commit succeeds.
//
//	orch := engine.NewOrchestrator(repo, registry.Connectors(), engine.Options{
//	    Policy: engine.NewDefaultAutoApprovalPolicy(nil),
//	})
//	ts, err := orch.ConfirmTargets(ctx, id, selected, vmConfigs)
//
// Scans run as jobs tracked by the ScanJobManager. Run advances them on a
// ticker until the context is cancelled; TickScans advances them once.
//
// # Providers
//
// Cloud access goes through the Connector interface. Each provider has its
// own InstallationPlan (AWSPlan, AzurePlan, GCPPlan, IDCPlan, SDUPlan),
// decoded from JSON with DecodePlan.
//
// # Errors
//
// Every failure returned by the orchestrator is an *Error with an
// ErrorClass and a stable code. HTTPStatus maps the class to a response
// status and Retriable reports whether the caller may retry:
//
//	if engine.HasCode(err, engine.ErrCodeScanInProgress) {
//	    // wait for the running scan
//	}
//
// Precondition errors carry a Guide with the steps that unblock the caller.
package engine
