package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InstallationMode selects how the AWS service-level phase is performed.
type InstallationMode string

const (
	// InstallationModeAuto lets the platform apply the service-level infrastructure.
	InstallationModeAuto InstallationMode = "AUTO"

	// InstallationModeManual has the operator run an installer script that
	// grants an execution role; the platform only verifies it.
	InstallationModeManual InstallationMode = "MANUAL"
)

// Validate checks if the mode is known.
func (m InstallationMode) Validate() error {
	switch m {
	case InstallationModeAuto, InstallationModeManual:
		return nil
	default:
		return fmt.Errorf("invalid installation mode: %s", m)
	}
}

// InstallationPlan is the provider-specific installation variant of a target
// source. Exactly one implementation exists per provider.
type InstallationPlan interface {
	// Provider returns the provider this plan belongs to.
	Provider() CloudProvider

	// ManualServiceLevel returns true when the operator performs the
	// service-level phase and the platform only verifies it.
	ManualServiceLevel() bool

	// ServiceLevelGuide returns a remediation guide when facts required for the
	// service-level phase are missing, nil otherwise.
	ServiceLevelGuide() *Guide

	// ResourceGuide returns a remediation guide when facts required to
	// provision r are missing, nil otherwise.
	ResourceGuide(r *Resource) *Guide

	// Validate checks the plan is well formed.
	Validate() error

	isInstallationPlan()
}

// AWSPlan installs into an AWS account.
type AWSPlan struct {
	// Mode is fixed at registration and immutable thereafter.
	Mode InstallationMode `json:"mode"`

	// ExecutionRoleARN is registered by the operator after running the installer in MANUAL mode.
	ExecutionRoleARN string `json:"execution_role_arn,omitempty"`
}

func (AWSPlan) Provider() CloudProvider { return ProviderAWS }

func (p AWSPlan) ManualServiceLevel() bool { return p.Mode == InstallationModeManual }

func (p AWSPlan) ServiceLevelGuide() *Guide {
	if p.Mode == InstallationModeManual && p.ExecutionRoleARN == "" {
		return &Guide{
			Title: "Register the execution role",
			Steps: []string{
				"Download and run the installer script in the target AWS account",
				"Copy the ARN of the created execution role",
				"Register the role ARN on the installation plan and re-run the installation check",
			},
		}
	}
	return nil
}

func (AWSPlan) ResourceGuide(*Resource) *Guide { return nil }

func (p AWSPlan) Validate() error {
	if err := p.Mode.Validate(); err != nil {
		return err
	}
	if p.ExecutionRoleARN != "" && !strings.HasPrefix(p.ExecutionRoleARN, "arn:aws:iam::") {
		return fmt.Errorf("execution role ARN must be an IAM role ARN: %s", p.ExecutionRoleARN)
	}
	return nil
}

func (AWSPlan) isInstallationPlan() {}

// AzurePlan installs into an Azure subscription.
type AzurePlan struct {
	// SubnetIDs are the subnets the scanner may attach to VM-hosted databases.
	SubnetIDs []string `json:"subnet_ids,omitempty"`
}

func (AzurePlan) Provider() CloudProvider { return ProviderAzure }

func (AzurePlan) ManualServiceLevel() bool { return false }

func (AzurePlan) ServiceLevelGuide() *Guide { return nil }

func (p AzurePlan) ResourceGuide(r *Resource) *Guide {
	if r.Type.IsVM() && len(p.SubnetIDs) == 0 {
		return &Guide{
			Title: "Register a subnet for VM databases",
			Steps: []string{
				"Choose a subnet that can reach " + r.ResourceID,
				"Register the subnet ID on the installation plan and re-run the installation check",
			},
		}
	}
	return nil
}

func (AzurePlan) Validate() error { return nil }

func (AzurePlan) isInstallationPlan() {}

// GCPPlan installs into a GCP project.
type GCPPlan struct {
	// ServiceAccount is the scanner service account granted access to the project.
	ServiceAccount string `json:"service_account,omitempty"`
}

func (GCPPlan) Provider() CloudProvider { return ProviderGCP }

func (GCPPlan) ManualServiceLevel() bool { return false }

func (p GCPPlan) ServiceLevelGuide() *Guide {
	if p.ServiceAccount == "" {
		return &Guide{
			Title: "Register the scanner service account",
			Steps: []string{
				"Grant the scanner service account the viewer role on the project",
				"Register the service account email on the installation plan and re-run the installation check",
			},
		}
	}
	return nil
}

func (GCPPlan) ResourceGuide(*Resource) *Guide { return nil }

func (p GCPPlan) Validate() error {
	if p.ServiceAccount != "" && !strings.Contains(p.ServiceAccount, "@") {
		return fmt.Errorf("service account must be an email address: %s", p.ServiceAccount)
	}
	return nil
}

func (GCPPlan) isInstallationPlan() {}

// IDCPlan installs into an on-premise data center.
type IDCPlan struct {
	// SourceIPs are the scanner addresses the operator must allow through the firewall.
	SourceIPs []string `json:"source_ips,omitempty"`
}

func (IDCPlan) Provider() CloudProvider { return ProviderIDC }

func (IDCPlan) ManualServiceLevel() bool { return true }

func (p IDCPlan) ServiceLevelGuide() *Guide {
	if len(p.SourceIPs) == 0 {
		return &Guide{
			Title: "Open the firewall for the scanner",
			Steps: []string{
				"Register the scanner source IPs on the installation plan",
				"Allow the source IPs to reach every selected database",
				"Re-run the installation check",
			},
		}
	}
	return nil
}

func (IDCPlan) ResourceGuide(*Resource) *Guide { return nil }

func (IDCPlan) Validate() error { return nil }

func (IDCPlan) isInstallationPlan() {}

// SDUPlan installs the upload pipeline for structured data uploads.
type SDUPlan struct {
	UploadBucket    string `json:"upload_bucket,omitempty"`
	UploadConfirmed bool   `json:"upload_confirmed"`
}

func (SDUPlan) Provider() CloudProvider { return ProviderSDU }

func (SDUPlan) ManualServiceLevel() bool { return true }

func (p SDUPlan) ServiceLevelGuide() *Guide {
	if p.UploadBucket == "" || !p.UploadConfirmed {
		return &Guide{
			Title: "Upload the data set",
			Steps: []string{
				"Upload the data set to the designated S3 bucket",
				"Confirm the upload on the installation plan and re-run the installation check",
			},
		}
	}
	return nil
}

func (SDUPlan) ResourceGuide(*Resource) *Guide { return nil }

func (SDUPlan) Validate() error { return nil }

func (SDUPlan) isInstallationPlan() {}

// DefaultPlan returns the plan a target source gets when none is supplied.
func DefaultPlan(provider CloudProvider) InstallationPlan {
	switch provider {
	case ProviderAWS:
		return AWSPlan{Mode: InstallationModeAuto}
	case ProviderAzure:
		return AzurePlan{}
	case ProviderGCP:
		return GCPPlan{}
	case ProviderIDC:
		return IDCPlan{}
	case ProviderSDU:
		return SDUPlan{}
	default:
		panic(fmt.Sprintf("no installation plan for provider %q", provider))
	}
}

// UpdatePlan applies operator-supplied plan facts. The provider cannot change
// and the AWS installation mode is immutable.
func UpdatePlan(current, next InstallationPlan) (InstallationPlan, error) {
	if next.Provider() != current.Provider() {
		return nil, NewValidationError(fmt.Sprintf("installation plan is for %s, target source is %s", next.Provider(), current.Provider()))
	}
	if cur, ok := current.(AWSPlan); ok {
		n := next.(AWSPlan)
		if n.Mode == "" {
			n.Mode = cur.Mode
		}
		if n.Mode != cur.Mode {
			return nil, NewValidationError("AWS installation mode is immutable")
		}
		next = n
	}
	if err := next.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	return next, nil
}

type planEnvelope struct {
	Provider CloudProvider   `json:"provider"`
	Settings json.RawMessage `json:"settings"`
}

// MarshalPlan encodes a plan together with its provider tag.
func MarshalPlan(p InstallationPlan) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal installation plan: %w", err)
	}
	return json.Marshal(planEnvelope{Provider: p.Provider(), Settings: data})
}

// UnmarshalPlan decodes a plan produced by MarshalPlan.
func UnmarshalPlan(data []byte) (InstallationPlan, error) {
	var env planEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal installation plan: %w", err)
	}
	return DecodePlan(env.Provider, env.Settings)
}

// DecodePlan decodes the untagged plan settings of the given provider.
func DecodePlan(provider CloudProvider, data []byte) (InstallationPlan, error) {
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	var (
		plan InstallationPlan
		err  error
	)
	switch provider {
	case ProviderAWS:
		var p AWSPlan
		err = json.Unmarshal(data, &p)
		plan = p
	case ProviderAzure:
		var p AzurePlan
		err = json.Unmarshal(data, &p)
		plan = p
	case ProviderGCP:
		var p GCPPlan
		err = json.Unmarshal(data, &p)
		plan = p
	case ProviderIDC:
		var p IDCPlan
		err = json.Unmarshal(data, &p)
		plan = p
	case ProviderSDU:
		var p SDUPlan
		err = json.Unmarshal(data, &p)
		plan = p
	default:
		return nil, fmt.Errorf("invalid cloud provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s installation plan: %w", provider, err)
	}
	return plan, nil
}

// InstallationRun tracks the two installation phases of a target source.
type InstallationRun struct {
	TargetSourceID string        `json:"target_source_id"`
	Provider       CloudProvider `json:"provider"`

	// ServiceLevel is the account-wide prerequisite phase.
	ServiceLevel Phase `json:"service_level"`

	// PerResource aggregates Resources; it is entered only after ServiceLevel completes.
	PerResource Phase `json:"per_resource"`

	// Resources holds the phase of each resource keyed by resource ID.
	Resources map[string]Phase `json:"resources"`

	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	LastCheckedAt *time.Time         `json:"last_checked_at,omitempty"`
	LastError     *InstallationError `json:"last_error,omitempty"`
}

// InstallationError is the last failure observed by an installation check.
type InstallationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Guide   *Guide `json:"guide,omitempty"`
}

// NewInstallationRun starts a run for the given resources.
func NewInstallationRun(targetSourceID string, provider CloudProvider, resourceIDs []string, now time.Time) *InstallationRun {
	run := &InstallationRun{
		TargetSourceID: targetSourceID,
		Provider:       provider,
		ServiceLevel:   PhaseInProgress,
		PerResource:    PhasePending,
		Resources:      make(map[string]Phase, len(resourceIDs)),
		StartedAt:      now,
	}
	for _, id := range resourceIDs {
		run.Resources[id] = PhasePending
	}
	return run
}

// UpdatedAt returns the latest of the run's start, check and completion times.
func (r *InstallationRun) UpdatedAt() time.Time {
	latest := r.StartedAt
	for _, t := range []*time.Time{r.LastCheckedAt, r.CompletedAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

// Completed returns true when both phases completed.
func (r *InstallationRun) Completed() bool {
	return r.ServiceLevel == PhaseCompleted && r.PerResource == PhaseCompleted
}

// Facts returns the installation facts used to compute the process status.
func (r *InstallationRun) Facts() InstallationFacts {
	if r == nil {
		return InstallationFacts{}
	}
	return InstallationFacts{Known: true, ServiceLevel: r.ServiceLevel, PerResource: r.PerResource}
}

// aggregate recomputes PerResource from the per-resource phases.
func (r *InstallationRun) aggregate() {
	if r.ServiceLevel != PhaseCompleted {
		r.PerResource = PhasePending
		return
	}
	phase := PhaseCompleted
	for _, p := range r.Resources {
		switch p {
		case PhaseFailed:
			r.PerResource = PhaseFailed
			return
		case PhasePending, PhaseInProgress:
			phase = PhaseInProgress
		}
	}
	r.PerResource = phase
}
