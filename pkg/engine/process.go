package engine

// InstallationFacts are the provider-specific installation completion facts
// that complement the installation facet.
type InstallationFacts struct {
	// Known is false when no installation run exists yet.
	Known        bool
	ServiceLevel Phase
	PerResource  Phase
}

// ComputeStage maps the facets of a target source to its process status.
// The first matching rule wins. The result is always within [1, 6].
// A FAILED connection test maps to WAITING_CONNECTION_TEST, and
// INSTALLATION_COMPLETE additionally requires a confirmed completion.
func ComputeStage(provider CloudProvider, status ProjectStatus, facts InstallationFacts) ProcessStatus {
	switch {
	case !status.Targets.Confirmed:
		return StageWaitingTargetConfirmation
	case status.Approval.Status == ApprovalStatusPending:
		return StageWaitingApproval
	case status.Installation.Status != InstallationStatusCompleted:
		return StageInstalling
	case facts.Known && (facts.ServiceLevel != PhaseCompleted || facts.PerResource != PhaseCompleted):
		return StageInstalling
	case status.ConnectionTest.Status != ConnectionTestPassed:
		// NOT_TESTED and FAILED both wait for a (re-)run of the connection test.
		return StageWaitingConnectionTest
	case !status.ConnectionTest.CompletionConfirmed:
		return StageConnectionVerified
	default:
		return StageInstallationComplete
	}
}
