package engine

import "testing"

func TestComputeStage(t *testing.T) {
	confirmed := TargetsFacet{Confirmed: true, SelectedCount: 1}
	installed := InstallationFacet{Status: InstallationStatusCompleted}
	done := InstallationFacts{Known: true, ServiceLevel: PhaseCompleted, PerResource: PhaseCompleted}

	tests := []struct {
		name   string
		status ProjectStatus
		facts  InstallationFacts
		want   ProcessStatus
	}{
		{
			name:   "fresh target source",
			status: NewProjectStatus(),
			want:   StageWaitingTargetConfirmation,
		},
		{
			name: "rejected request returns to confirmation",
			status: ProjectStatus{
				Approval:     ApprovalFacet{Status: ApprovalStatusRejected},
				Installation: InstallationFacet{Status: InstallationStatusPending},
			},
			want: StageWaitingTargetConfirmation,
		},
		{
			name: "pending approval",
			status: ProjectStatus{
				Targets:      confirmed,
				Approval:     ApprovalFacet{Status: ApprovalStatusPending},
				Installation: InstallationFacet{Status: InstallationStatusPending},
			},
			want: StageWaitingApproval,
		},
		{
			name: "approved and installing",
			status: ProjectStatus{
				Targets:      confirmed,
				Approval:     ApprovalFacet{Status: ApprovalStatusApproved},
				Installation: InstallationFacet{Status: InstallationStatusInProgress},
			},
			facts: InstallationFacts{Known: true, ServiceLevel: PhaseInProgress, PerResource: PhasePending},
			want:  StageInstalling,
		},
		{
			name: "failed installation stays installing",
			status: ProjectStatus{
				Targets:      confirmed,
				Approval:     ApprovalFacet{Status: ApprovalStatusAutoApproved},
				Installation: InstallationFacet{Status: InstallationStatusFailed},
			},
			want: StageInstalling,
		},
		{
			name: "facet completed but a phase is unfinished",
			status: ProjectStatus{
				Targets:      confirmed,
				Approval:     ApprovalFacet{Status: ApprovalStatusApproved},
				Installation: installed,
			},
			facts: InstallationFacts{Known: true, ServiceLevel: PhaseCompleted, PerResource: PhaseInProgress},
			want:  StageInstalling,
		},
		{
			name: "installed and not tested",
			status: ProjectStatus{
				Targets:        confirmed,
				Approval:       ApprovalFacet{Status: ApprovalStatusApproved},
				Installation:   installed,
				ConnectionTest: ConnectionTestFacet{Status: ConnectionTestNotTested},
			},
			facts: done,
			want:  StageWaitingConnectionTest,
		},
		{
			name: "failed connection test waits for a rerun",
			status: ProjectStatus{
				Targets:        confirmed,
				Approval:       ApprovalFacet{Status: ApprovalStatusApproved},
				Installation:   installed,
				ConnectionTest: ConnectionTestFacet{Status: ConnectionTestFailed},
			},
			facts: done,
			want:  StageWaitingConnectionTest,
		},
		{
			name: "connection verified",
			status: ProjectStatus{
				Targets:        confirmed,
				Approval:       ApprovalFacet{Status: ApprovalStatusApproved},
				Installation:   installed,
				ConnectionTest: ConnectionTestFacet{Status: ConnectionTestPassed},
			},
			facts: done,
			want:  StageConnectionVerified,
		},
		{
			name: "completion confirmed",
			status: ProjectStatus{
				Targets:        confirmed,
				Approval:       ApprovalFacet{Status: ApprovalStatusApproved},
				Installation:   installed,
				ConnectionTest: ConnectionTestFacet{Status: ConnectionTestPassed, CompletionConfirmed: true},
			},
			facts: done,
			want:  StageInstallationComplete,
		},
		{
			name: "unknown facts trust the facet",
			status: ProjectStatus{
				Targets:        confirmed,
				Approval:       ApprovalFacet{Status: ApprovalStatusApproved},
				Installation:   installed,
				ConnectionTest: ConnectionTestFacet{Status: ConnectionTestPassed},
			},
			want: StageConnectionVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStage(ProviderAWS, tt.status, tt.facts)
			if got != tt.want {
				t.Errorf("ComputeStage() = %s, want %s", got, tt.want)
			}
			if !got.Valid() {
				t.Errorf("ComputeStage() returned out-of-range stage %d", got)
			}
		})
	}
}

func TestProcessStatusString(t *testing.T) {
	if got := StageWaitingApproval.String(); got != "WAITING_APPROVAL" {
		t.Errorf("String() = %q", got)
	}
	if got := ProcessStatus(9).String(); got != "ProcessStatus(9)" {
		t.Errorf("String() = %q", got)
	}
	if ProcessStatus(0).Valid() || ProcessStatus(7).Valid() {
		t.Error("stages outside [1, 6] must be invalid")
	}
}
