package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// TargetSource is a registered cloud account or project being onboarded.
type TargetSource struct {
	// ID is the unique identifier of the target source.
	ID string `json:"id"`

	// Name is the human-readable project name.
	Name string `json:"name"`

	// ServiceCode is the owning service; permissions are granted per service code.
	ServiceCode string `json:"service_code"`

	// CloudProvider is fixed at registration.
	CloudProvider CloudProvider `json:"cloud_provider"`

	// Plan is the provider-specific installation plan.
	Plan InstallationPlan `json:"-"`

	// Status holds the five independently lifecycled facets.
	Status ProjectStatus `json:"status"`

	// ProcessStatus is derived from Status and the installation facts. Never set directly.
	ProcessStatus ProcessStatus `json:"process_status"`

	// LastRejectionReason is surfaced until the operator submits a new request.
	LastRejectionReason string `json:"last_rejection_reason,omitempty"`

	// Resources are the discovered or registered database resources.
	Resources []*Resource `json:"resources"`

	// CreatedAt is when the target source was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the target source was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

type targetSourceJSON struct {
	targetSourceAlias
	Plan json.RawMessage `json:"installation_plan"`
}

type targetSourceAlias TargetSource

// MarshalJSON embeds the tagged installation plan.
func (t *TargetSource) MarshalJSON() ([]byte, error) {
	plan, err := MarshalPlan(t.Plan)
	if err != nil {
		return nil, err
	}
	return json.Marshal(targetSourceJSON{targetSourceAlias: targetSourceAlias(*t), Plan: plan})
}

// UnmarshalJSON decodes the tagged installation plan.
func (t *TargetSource) UnmarshalJSON(data []byte) error {
	var doc targetSourceJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*t = TargetSource(doc.targetSourceAlias)
	if len(doc.Plan) > 0 && string(doc.Plan) != "null" {
		plan, err := UnmarshalPlan(doc.Plan)
		if err != nil {
			return err
		}
		t.Plan = plan
	}
	return nil
}

// Resource returns the resource with the given internal ID.
func (t *TargetSource) Resource(id string) (*Resource, bool) {
	for _, r := range t.Resources {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// SelectedResources returns the resources currently selected for integration.
func (t *TargetSource) SelectedResources() []*Resource {
	var selected []*Resource
	for _, r := range t.Resources {
		if r.IsSelected {
			selected = append(selected, r)
		}
	}
	return selected
}

// Refresh recomputes the derived process status. It must be called after
// every facet mutation, before the target source is persisted.
func (t *TargetSource) Refresh(facts InstallationFacts) {
	t.ProcessStatus = ComputeStage(t.CloudProvider, t.Status, facts)
}

// Clone returns a deep copy of the target source.
func (t *TargetSource) Clone() *TargetSource {
	data, err := json.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("clone target source %s: %v", t.ID, err))
	}
	var out TargetSource
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone target source %s: %v", t.ID, err))
	}
	return &out
}

// ProjectStatus holds the five facets of a target source.
type ProjectStatus struct {
	Scan           ScanFacet           `json:"scan"`
	Targets        TargetsFacet        `json:"targets"`
	Approval       ApprovalFacet       `json:"approval"`
	Installation   InstallationFacet   `json:"installation"`
	ConnectionTest ConnectionTestFacet `json:"connection_test"`
}

// NewProjectStatus returns the facets of a freshly registered target source.
func NewProjectStatus() ProjectStatus {
	return ProjectStatus{
		Scan:           ScanFacet{Status: ScanStatusNotStarted},
		Approval:       ApprovalFacet{Status: ApprovalStatusNotRequested},
		Installation:   InstallationFacet{Status: InstallationStatusPending},
		ConnectionTest: ConnectionTestFacet{Status: ConnectionTestNotTested},
	}
}

// ScanFacet mirrors the status of the latest scan job.
type ScanFacet struct {
	Status ScanStatus `json:"status"`
}

// TargetsFacet records whether the operator confirmed a resource set.
type TargetsFacet struct {
	Confirmed     bool `json:"confirmed"`
	SelectedCount int  `json:"selected_count"`
	ExcludedCount int  `json:"excluded_count"`
}

// ApprovalFacet records the latest approval decision.
type ApprovalFacet struct {
	Status          ApprovalStatus `json:"status"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
}

// InstallationFacet records the aggregate installation status.
type InstallationFacet struct {
	Status InstallationStatus `json:"status"`
}

// ConnectionTestFacet records the latest connection test and operator sign-off.
type ConnectionTestFacet struct {
	Status              ConnectionTestStatus `json:"status"`
	TestedAt            *time.Time           `json:"tested_at,omitempty"`
	CompletionConfirmed bool                 `json:"completion_confirmed"`
	ConfirmedAt         *time.Time           `json:"confirmed_at,omitempty"`
}

// ResourceType is the kind of database-bearing asset.
type ResourceType string

const (
	ResourceRDS          ResourceType = "RDS"
	ResourceRDSCluster   ResourceType = "RDS_CLUSTER"
	ResourceDynamoDB     ResourceType = "DYNAMODB"
	ResourceAthena       ResourceType = "ATHENA"
	ResourceRedshift     ResourceType = "REDSHIFT"
	ResourceEC2          ResourceType = "EC2"
	ResourceAzureSQL     ResourceType = "AZURE_SQL"
	ResourceAzureMySQL   ResourceType = "AZURE_MYSQL"
	ResourceAzurePostgre ResourceType = "AZURE_POSTGRESQL"
	ResourceCosmosDB     ResourceType = "COSMOS_DB"
	ResourceAzureVM      ResourceType = "AZURE_VM"
	ResourceCloudSQL     ResourceType = "CLOUD_SQL"
	ResourceBigQuery     ResourceType = "BIGQUERY"
	ResourceSpanner      ResourceType = "SPANNER"
	ResourceGCEVM        ResourceType = "GCE_VM"
	ResourceIDCDatabase  ResourceType = "IDC_DATABASE"
	ResourceS3Upload     ResourceType = "S3_UPLOAD"
)

// IsVM returns true for VM-hosted databases that need a manually entered endpoint.
func (t ResourceType) IsVM() bool {
	return t == ResourceEC2 || t == ResourceAzureVM || t == ResourceGCEVM
}

// RequiresCredential returns true when the agent authenticates with a
// database credential rather than the provider's IAM.
func (t ResourceType) RequiresCredential() bool {
	switch t {
	case ResourceDynamoDB, ResourceAthena, ResourceBigQuery, ResourceS3Upload, ResourceCosmosDB:
		return false
	default:
		return true
	}
}

// Resource is a discovered database-bearing asset of a target source.
type Resource struct {
	// ID is the internal identifier, unique within the target source.
	ID string `json:"id"`

	// ResourceID is the external identifier (ARN, Azure resource ID, ...).
	ResourceID string `json:"resource_id"`

	Type         ResourceType `json:"type"`
	DatabaseType string       `json:"database_type,omitempty"`
	Region       string       `json:"region,omitempty"`

	IsSelected       bool             `json:"is_selected"`
	LifecycleStatus  LifecycleStatus  `json:"lifecycle_status"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`

	SelectedCredentialID string            `json:"selected_credential_id,omitempty"`
	Exclusion            *Exclusion        `json:"exclusion,omitempty"`
	VMDatabaseConfig     *VMDatabaseConfig `json:"vm_database_config,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsActive returns true once the resource passed a connection test.
func (r *Resource) IsActive() bool {
	return r.LifecycleStatus == LifecycleActive
}

// Exclusion records why an operator left a resource out of integration.
type Exclusion struct {
	Reason     string    `json:"reason"`
	ExcludedAt time.Time `json:"excluded_at"`
	ExcludedBy Actor     `json:"excluded_by"`
}

// VMDatabaseConfig is the manually entered endpoint of a VM-hosted database.
type VMDatabaseConfig struct {
	Host         string `json:"host" validate:"required,hostname|ip"`
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	DatabaseType string `json:"database_type" validate:"required"`
	ServiceName  string `json:"service_name,omitempty"`
}

// Actor identifies who performed a transition.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SystemActor is recorded for transitions performed by the orchestrator itself.
var SystemActor = Actor{ID: "system", Name: "system"}

// User is the caller as reported by the identity service.
type User struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Role                   Role     `json:"role"`
	ServiceCodePermissions []string `json:"service_code_permissions"`
}

// Actor returns the history actor for the user.
func (u *User) Actor() Actor {
	return Actor{ID: u.ID, Name: u.Name}
}

// CanAccess reports whether the user may mutate target sources of serviceCode.
func (u *User) CanAccess(serviceCode string) bool {
	if u.Role == RoleAdmin {
		return true
	}
	for _, code := range u.ServiceCodePermissions {
		if code == serviceCode {
			return true
		}
	}
	return false
}

// ScanJob is a discovery job against a cloud provider.
type ScanJob struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	Provider       CloudProvider `json:"provider"`
	Status         ScanStatus    `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EstimatedEndAt time.Time     `json:"estimated_end_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Progress       int           `json:"progress"`
	Result         *ScanResult   `json:"result,omitempty"`
	Error          *ScanError    `json:"error,omitempty"`
	RequestedBy    Actor         `json:"requested_by"`
}

// ScanResult summarizes the resource diff produced by a scan.
type ScanResult struct {
	TotalFound int `json:"total_found"`
	NewFound   int `json:"new_found"`
	Updated    int `json:"updated"`
	Removed    int `json:"removed"`
}

// ScanError is the captured failure of a scan job.
type ScanError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApprovalRequest asks to integrate a specific resource set.
type ApprovalRequest struct {
	ID             string              `json:"id"`
	TargetSourceID string              `json:"target_source_id"`
	RequestedAt    time.Time           `json:"requested_at"`
	RequestedBy    Actor               `json:"requested_by"`
	InputData      ApprovalInputData   `json:"input_data"`
	AutoApproval   *AutoApprovalResult `json:"auto_approval,omitempty"`
	Resolution     *Resolution         `json:"resolution,omitempty"`
}

// IsPending returns true until the request is resolved.
func (a *ApprovalRequest) IsPending() bool {
	return a.Resolution == nil
}

// ApprovalInputData carries the per-resource decisions of a request.
type ApprovalInputData struct {
	ResourceInputs []ResourceInput `json:"resource_inputs"`
}

// ResourceInput is the operator's decision for one resource.
type ResourceInput struct {
	ResourceID      string            `json:"resource_id" validate:"required"`
	Selected        bool              `json:"selected"`
	CredentialID    string            `json:"credential_id,omitempty"`
	EndpointConfig  *VMDatabaseConfig `json:"endpoint_config,omitempty"`
	ExclusionReason string            `json:"exclusion_reason,omitempty"`
}

// Resolution is the single decision applied to an approval request.
type Resolution struct {
	Result      ApprovalResult `json:"result"`
	ProcessedAt time.Time      `json:"processed_at"`
	ProcessedBy *Actor         `json:"processed_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// HistoryEntry is an append-only audit record.
type HistoryEntry struct {
	ID             string                 `json:"id"`
	TargetSourceID string                 `json:"target_source_id"`
	Type           HistoryType            `json:"type"`
	Actor          Actor                  `json:"actor"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// HistoryQuery filters and pages history entries.
type HistoryQuery struct {
	// Type restricts results to one entry type when set.
	Type HistoryType

	// Limit is the page size.
	Limit int

	// Offset skips entries. Ignored when Before is set. Offset pages are not
	// stable: entries appended between calls shift them. Use Before to page
	// through a growing history.
	Offset int

	// Before is a keyset cursor: only entries strictly older than the cursor
	// are returned, so pages do not shift when new entries are appended.
	Before *HistoryCursor
}

// HistoryCursor is the (timestamp, id) position of an entry.
type HistoryCursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

// HistoryPage is one page of history entries, newest first.
type HistoryPage struct {
	Entries    []*HistoryEntry `json:"entries"`
	Total      int             `json:"total"`
	NextCursor *HistoryCursor  `json:"next_cursor,omitempty"`
}
