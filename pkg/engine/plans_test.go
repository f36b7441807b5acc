package engine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestUpdatePlan(t *testing.T) {
	tests := []struct {
		name    string
		current InstallationPlan
		next    InstallationPlan
		want    InstallationPlan
		wantErr bool
	}{
		{
			name:    "register execution role keeps mode",
			current: AWSPlan{Mode: InstallationModeManual},
			next:    AWSPlan{ExecutionRoleARN: "arn:aws:iam::123456789012:role/pii-agent"},
			want:    AWSPlan{Mode: InstallationModeManual, ExecutionRoleARN: "arn:aws:iam::123456789012:role/pii-agent"},
		},
		{
			name:    "aws mode is immutable",
			current: AWSPlan{Mode: InstallationModeManual},
			next:    AWSPlan{Mode: InstallationModeAuto},
			wantErr: true,
		},
		{
			name:    "invalid role arn",
			current: AWSPlan{Mode: InstallationModeManual},
			next:    AWSPlan{ExecutionRoleARN: "role/pii-agent"},
			wantErr: true,
		},
		{
			name:    "provider cannot change",
			current: AzurePlan{},
			next:    GCPPlan{ServiceAccount: "scanner@project.iam.gserviceaccount.com"},
			wantErr: true,
		},
		{
			name:    "azure subnets",
			current: AzurePlan{},
			next:    AzurePlan{SubnetIDs: []string{"subnet-1"}},
			want:    AzurePlan{SubnetIDs: []string{"subnet-1"}},
		},
		{
			name:    "gcp service account must be an email",
			current: GCPPlan{},
			next:    GCPPlan{ServiceAccount: "scanner"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UpdatePlan(tt.current, tt.next)
			if tt.wantErr {
				if !IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdatePlan() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("UpdatePlan() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanEnvelope(t *testing.T) {
	plan := SDUPlan{UploadBucket: "s3://uploads", UploadConfirmed: true}
	data, err := MarshalPlan(plan)
	if err != nil {
		t.Fatalf("MarshalPlan() error = %v", err)
	}
	got, err := UnmarshalPlan(data)
	if err != nil {
		t.Fatalf("UnmarshalPlan() error = %v", err)
	}
	if diff := cmp.Diff(InstallationPlan(plan), got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := UnmarshalPlan([]byte(`{"provider":"ORACLE","settings":{}}`)); err == nil {
		t.Error("expected unknown provider to fail")
	}
}

func TestPlanGuides(t *testing.T) {
	vm := &Resource{ResourceID: "vm-1", Type: ResourceAzureVM}
	sql := &Resource{ResourceID: "sql-1", Type: ResourceAzureSQL}

	if (AWSPlan{Mode: InstallationModeAuto}).ServiceLevelGuide() != nil {
		t.Error("auto AWS plan needs no guide")
	}
	if (AWSPlan{Mode: InstallationModeManual}).ServiceLevelGuide() == nil {
		t.Error("manual AWS plan without role needs a guide")
	}
	if (AzurePlan{}).ResourceGuide(vm) == nil {
		t.Error("Azure VM without subnet needs a guide")
	}
	if (AzurePlan{}).ResourceGuide(sql) != nil {
		t.Error("Azure SQL needs no subnet")
	}
	if (AzurePlan{SubnetIDs: []string{"s"}}).ResourceGuide(vm) != nil {
		t.Error("registered subnet satisfies the VM guide")
	}
	if (SDUPlan{UploadBucket: "b"}).ServiceLevelGuide() == nil {
		t.Error("unconfirmed upload needs a guide")
	}
	if (IDCPlan{SourceIPs: []string{"10.0.0.1"}}).ServiceLevelGuide() != nil {
		t.Error("registered source IPs satisfy the firewall guide")
	}
}

func TestInstallationRunAggregate(t *testing.T) {
	run := NewInstallationRun("ts-1", ProviderAWS, []string{"a", "b"}, baseTestTime)

	run.aggregate()
	if run.PerResource != PhasePending {
		t.Fatalf("per-resource phase must wait for service level, got %s", run.PerResource)
	}

	run.ServiceLevel = PhaseCompleted
	run.Resources["a"] = PhaseCompleted
	run.aggregate()
	if run.PerResource != PhaseInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", run.PerResource)
	}

	run.Resources["b"] = PhaseFailed
	run.aggregate()
	if run.PerResource != PhaseFailed {
		t.Errorf("expected FAILED, got %s", run.PerResource)
	}

	run.Resources["b"] = PhaseCompleted
	run.aggregate()
	if !run.Completed() {
		t.Error("expected run to be completed")
	}

	var missing *InstallationRun
	if missing.Facts().Known {
		t.Error("nil run has no known facts")
	}
}

func TestInstallationRunUpdatedAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	run := NewInstallationRun("ts-1", ProviderAWS, nil, start)
	if got := run.UpdatedAt(); !got.Equal(start) {
		t.Errorf("UpdatedAt() of a new run = %v, want %v", got, start)
	}

	checked, completed := start.Add(time.Minute), start.Add(2*time.Minute)
	run.LastCheckedAt = &checked
	run.CompletedAt = &completed
	if got := run.UpdatedAt(); !got.Equal(completed) {
		t.Errorf("UpdatedAt() = %v, want %v", got, completed)
	}
}
