package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CloudProvider identifies the cloud a target source lives in.
type CloudProvider string

const (
	ProviderAWS   CloudProvider = "AWS"
	ProviderAzure CloudProvider = "AZURE"
	ProviderGCP   CloudProvider = "GCP"
	ProviderIDC   CloudProvider = "IDC"
	ProviderSDU   CloudProvider = "SDU"
)

// AllProviders lists every supported provider.
func AllProviders() []CloudProvider {
	return []CloudProvider{ProviderAWS, ProviderAzure, ProviderGCP, ProviderIDC, ProviderSDU}
}

// ParseCloudProvider parses a provider name case-insensitively.
func ParseCloudProvider(s string) (CloudProvider, error) {
	p := CloudProvider(strings.ToUpper(strings.TrimSpace(s)))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Validate checks if the provider is known.
func (p CloudProvider) Validate() error {
	switch p {
	case ProviderAWS, ProviderAzure, ProviderGCP, ProviderIDC, ProviderSDU:
		return nil
	default:
		return fmt.Errorf("invalid cloud provider: %s", p)
	}
}

// SupportsDiscovery returns true if resources can be discovered by a scan.
// IDC and SDU resources are registered manually.
func (p CloudProvider) SupportsDiscovery() bool {
	return p == ProviderAWS || p == ProviderAzure || p == ProviderGCP
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (p CloudProvider) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (p *CloudProvider) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseCloudProvider(str)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ScanStatus is the status of a scan job and of the scan facet.
type ScanStatus string

const (
	ScanStatusNotStarted ScanStatus = "NOT_STARTED"
	ScanStatusPending    ScanStatus = "PENDING"
	ScanStatusScanning   ScanStatus = "SCANNING"
	ScanStatusCompleted  ScanStatus = "COMPLETED"
	ScanStatusFailed     ScanStatus = "FAILED"
)

// IsTerminal returns true if the scan can no longer change.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// IsActive returns true if the scan is pending or running.
func (s ScanStatus) IsActive() bool {
	return s == ScanStatusPending || s == ScanStatusScanning
}

// ApprovalStatus is the status of the approval facet.
type ApprovalStatus string

const (
	// ApprovalStatusNotRequested is the initial value before any confirmation.
	ApprovalStatusNotRequested ApprovalStatus = "NOT_REQUESTED"
	ApprovalStatusPending      ApprovalStatus = "PENDING"
	ApprovalStatusAutoApproved ApprovalStatus = "AUTO_APPROVED"
	ApprovalStatusApproved     ApprovalStatus = "APPROVED"
	ApprovalStatusRejected     ApprovalStatus = "REJECTED"
)

// IsApproved returns true for manual and automatic approvals.
func (s ApprovalStatus) IsApproved() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusAutoApproved
}

// ApprovalResult is the resolution of an approval request.
type ApprovalResult string

const (
	ApprovalResultApproved     ApprovalResult = "APPROVED"
	ApprovalResultAutoApproved ApprovalResult = "AUTO_APPROVED"
	ApprovalResultRejected     ApprovalResult = "REJECTED"
)

// InstallationStatus is the status of the installation facet.
type InstallationStatus string

const (
	InstallationStatusPending    InstallationStatus = "PENDING"
	InstallationStatusInProgress InstallationStatus = "IN_PROGRESS"
	InstallationStatusCompleted  InstallationStatus = "COMPLETED"
	InstallationStatusFailed     InstallationStatus = "FAILED"
)

// ConnectionTestStatus is the status of the connection test facet.
type ConnectionTestStatus string

const (
	ConnectionTestNotTested ConnectionTestStatus = "NOT_TESTED"
	ConnectionTestPassed    ConnectionTestStatus = "PASSED"
	ConnectionTestFailed    ConnectionTestStatus = "FAILED"
)

// Phase is the shared sub-state of both installation phases.
type Phase string

const (
	PhasePending    Phase = "PENDING"
	PhaseInProgress Phase = "IN_PROGRESS"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseFailed     Phase = "FAILED"
)

// LifecycleStatus is the integration lifecycle of a single resource.
type LifecycleStatus string

const (
	// LifecycleDiscovered is both the initial state and the state of excluded resources.
	LifecycleDiscovered      LifecycleStatus = "DISCOVERED"
	LifecyclePendingApproval LifecycleStatus = "PENDING_APPROVAL"
	LifecycleInstalling      LifecycleStatus = "INSTALLING"
	LifecycleReadyToTest     LifecycleStatus = "READY_TO_TEST"
	LifecycleActive          LifecycleStatus = "ACTIVE"
)

// ConnectionStatus is the agent-to-database connectivity of a resource.
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "PENDING"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// Role is the coarse role of a caller.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// ProcessStatus is the single ordinal summarizing onboarding progress.
type ProcessStatus int

const (
	StageWaitingTargetConfirmation ProcessStatus = iota + 1
	StageWaitingApproval
	StageInstalling
	StageWaitingConnectionTest
	StageConnectionVerified
	StageInstallationComplete
)

var processStatusNames = map[ProcessStatus]string{
	StageWaitingTargetConfirmation: "WAITING_TARGET_CONFIRMATION",
	StageWaitingApproval:           "WAITING_APPROVAL",
	StageInstalling:                "INSTALLING",
	StageWaitingConnectionTest:     "WAITING_CONNECTION_TEST",
	StageConnectionVerified:        "CONNECTION_VERIFIED",
	StageInstallationComplete:      "INSTALLATION_COMPLETE",
}

// String returns the stage name.
func (s ProcessStatus) String() string {
	if name, ok := processStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ProcessStatus(%d)", int(s))
}

// Valid reports whether the ordinal is within [1, 6].
func (s ProcessStatus) Valid() bool {
	return s >= StageWaitingTargetConfirmation && s <= StageInstallationComplete
}

// HistoryType is the type of a project history entry.
type HistoryType string

const (
	HistoryTargetConfirmed       HistoryType = "TARGET_CONFIRMED"
	HistoryAutoApproved          HistoryType = "AUTO_APPROVED"
	HistoryApproval              HistoryType = "APPROVAL"
	HistoryRejection             HistoryType = "REJECTION"
	HistoryApprovalCancelled     HistoryType = "APPROVAL_CANCELLED"
	HistoryResourceAdd           HistoryType = "RESOURCE_ADD"
	HistoryResourceExclude       HistoryType = "RESOURCE_EXCLUDE"
	HistoryScanCompleted         HistoryType = "SCAN_COMPLETED"
	HistoryScanFailed            HistoryType = "SCAN_FAILED"
	HistoryInstallationCompleted HistoryType = "INSTALLATION_COMPLETED"
	HistoryConnectionTested      HistoryType = "CONNECTION_TESTED"
	HistoryCompletionConfirmed   HistoryType = "COMPLETION_CONFIRMED"
	HistoryDecommissionRequested HistoryType = "DECOMMISSION_REQUESTED"
	HistoryDecommissionApproved  HistoryType = "DECOMMISSION_APPROVED"
	HistoryDecommissionRejected  HistoryType = "DECOMMISSION_REJECTED"
)

// Validate checks if the history type is known.
func (t HistoryType) Validate() error {
	switch t {
	case HistoryTargetConfirmed, HistoryAutoApproved, HistoryApproval, HistoryRejection,
		HistoryApprovalCancelled, HistoryResourceAdd, HistoryResourceExclude,
		HistoryScanCompleted, HistoryScanFailed, HistoryInstallationCompleted,
		HistoryConnectionTested, HistoryCompletionConfirmed,
		HistoryDecommissionRequested, HistoryDecommissionApproved, HistoryDecommissionRejected:
		return nil
	default:
		return fmt.Errorf("invalid history type: %s", t)
	}
}
