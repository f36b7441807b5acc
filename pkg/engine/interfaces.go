package engine

import (
	"context"
	"fmt"
)

// Reader provides read access to persisted orchestration state.
// Get methods return ErrNotFound when the record does not exist.
type Reader interface {
	// GetTargetSource retrieves a target source with its resources.
	GetTargetSource(ctx context.Context, id string) (*TargetSource, error)

	// ListTargetSources lists target sources matching the filter, oldest first.
	ListTargetSources(ctx context.Context, filter TargetSourceFilter) ([]*TargetSource, error)

	// GetPendingApprovalRequest retrieves the unresolved request of a target source.
	GetPendingApprovalRequest(ctx context.Context, targetSourceID string) (*ApprovalRequest, error)

	// ListApprovalRequests lists all requests of a target source, newest first.
	ListApprovalRequests(ctx context.Context, targetSourceID string) ([]*ApprovalRequest, error)

	// GetActiveScanJob retrieves the non-terminal scan job of a target source.
	GetActiveScanJob(ctx context.Context, targetSourceID string) (*ScanJob, error)

	// GetLastTerminalScanJob retrieves the most recently finished scan job.
	GetLastTerminalScanJob(ctx context.Context, targetSourceID string) (*ScanJob, error)

	// ListScanJobs pages scan jobs newest first and returns the total count.
	ListScanJobs(ctx context.Context, targetSourceID string, limit, offset int) ([]*ScanJob, int, error)

	// ListActiveScanJobs lists non-terminal scan jobs across all target sources.
	ListActiveScanJobs(ctx context.Context) ([]*ScanJob, error)

	// GetInstallationRun retrieves the installation run of a target source.
	GetInstallationRun(ctx context.Context, targetSourceID string) (*InstallationRun, error)

	// QueryHistory pages history entries ordered by (timestamp desc, id desc).
	QueryHistory(ctx context.Context, targetSourceID string, query HistoryQuery) (*HistoryPage, error)
}

// RepositoryTx is the view of the repository inside an exclusive scope.
type RepositoryTx interface {
	Reader

	// CreateTargetSource inserts a new target source.
	CreateTargetSource(ctx context.Context, ts *TargetSource) error

	// SaveTargetSource persists the target source and its resources.
	SaveTargetSource(ctx context.Context, ts *TargetSource) error

	// SaveApprovalRequest inserts or updates an approval request.
	SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) error

	// DeleteApprovalRequest removes a request. Only pending requests are deleted.
	DeleteApprovalRequest(ctx context.Context, id string) error

	// SaveScanJob inserts or updates a scan job.
	SaveScanJob(ctx context.Context, job *ScanJob) error

	// SaveInstallationRun inserts or replaces the installation run of a target source.
	SaveInstallationRun(ctx context.Context, run *InstallationRun) error

	// AppendHistory appends an entry. Entries are never updated or deleted.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
}

// Repository persists orchestration state. All mutations of a target source
// happen inside Atomic.
type Repository interface {
	Reader

	// Atomic runs fn inside the exclusive scope of a target source. Scopes for
	// the same target source are serialized; scopes for different target
	// sources run independently. Writes made through tx are committed only if
	// fn returns nil.
	Atomic(ctx context.Context, targetSourceID string, fn func(ctx context.Context, tx RepositoryTx) error) error

	// Close releases the repository.
	Close() error
}

// TargetSourceFilter narrows ListTargetSources.
type TargetSourceFilter struct {
	ServiceCode   string
	CloudProvider CloudProvider
	Limit         int
	Offset        int
}

// Identity resolves the caller of an operation.
type Identity interface {
	// CurrentUser returns the caller, or an UNAUTHORIZED error when there is none.
	CurrentUser(ctx context.Context) (*User, error)
}

type userContextKey struct{}

// WithUser returns a context carrying the caller.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the caller carried by ctx, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey{}).(*User)
	return u, ok && u != nil
}

// ContextIdentity resolves the caller from the request context.
type ContextIdentity struct{}

// CurrentUser implements Identity.
func (ContextIdentity) CurrentUser(ctx context.Context) (*User, error) {
	u, ok := UserFromContext(ctx)
	if !ok || u.ID == "" {
		return nil, NewUnauthorizedError("no authenticated user")
	}
	return u, nil
}

// ApplyScope selects which installation phase an apply call provisions.
type ApplyScope string

const (
	ApplyScopeService  ApplyScope = "service"
	ApplyScopeResource ApplyScope = "resource"
)

// ApplyRequest asks a connector to provision infrastructure.
type ApplyRequest struct {
	TargetSource *TargetSource
	Scope        ApplyScope

	// Resource is set for ApplyScopeResource.
	Resource *Resource
}

// ConnectorResult is the outcome of a provider call. The orchestrator only
// interprets Success and the Code/Guide pair.
type ConnectorResult struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Guide   *Guide `json:"guide,omitempty"`
}

// Succeeded is a successful connector result.
func Succeeded() *ConnectorResult {
	return &ConnectorResult{Success: true}
}

// DiscoveredResource is a resource reported by a provider scan.
type DiscoveredResource struct {
	ResourceID   string       `json:"resource_id"`
	Type         ResourceType `json:"type"`
	DatabaseType string       `json:"database_type,omitempty"`
	Region       string       `json:"region,omitempty"`
}

// Connector calls a cloud provider. Returned errors are transport failures;
// business failures are reported through ConnectorResult.
type Connector interface {
	// VerifyPrerequisite checks an operator-performed prerequisite such as an
	// execution role or an opened firewall.
	VerifyPrerequisite(ctx context.Context, ts *TargetSource) (*ConnectorResult, error)

	// ApplyInfrastructure provisions service-level or per-resource infrastructure.
	ApplyInfrastructure(ctx context.Context, req ApplyRequest) (*ConnectorResult, error)

	// TestConnection checks that the installed agent reaches the resource's database.
	TestConnection(ctx context.Context, ts *TargetSource, r *Resource, credentialID string) (*ConnectorResult, error)

	// Discover enumerates database resources of the target source.
	Discover(ctx context.Context, ts *TargetSource) ([]DiscoveredResource, error)
}

// Connectors maps providers to their connectors.
type Connectors map[CloudProvider]Connector

// For returns the connector of provider.
func (c Connectors) For(provider CloudProvider) (Connector, error) {
	conn, ok := c[provider]
	if !ok {
		return nil, NewInternalError(fmt.Sprintf("no connector registered for %s", provider), nil)
	}
	return conn, nil
}

// AutoApprovalPolicy decides whether a confirmation bypasses manual approval.
// Evaluate must be a pure function of its input and must not fail: an
// implementation that cannot decide returns a manual-approval result.
type AutoApprovalPolicy interface {
	Evaluate(ctx context.Context, input AutoApprovalInput) AutoApprovalResult
}

// AutoApprovalInput is the proposed resource set of a confirmation.
type AutoApprovalInput struct {
	Provider  CloudProvider          `json:"provider"`
	Resources []AutoApprovalResource `json:"resources"`
}

// AutoApprovalResource describes one resource of the proposed set.
type AutoApprovalResource struct {
	ResourceID         string       `json:"resource_id"`
	Type               ResourceType `json:"type"`
	Selected           bool         `json:"selected"`
	Active             bool         `json:"active"`
	VM                 bool         `json:"vm"`
	RequiresCredential bool         `json:"requires_credential"`
	HasCredential      bool         `json:"has_credential"`
	HasEndpoint        bool         `json:"has_endpoint"`
}

// AutoApprovalResult is the decision of an AutoApprovalPolicy.
type AutoApprovalResult struct {
	ShouldAutoApprove bool     `json:"should_auto_approve"`
	Reasons           []string `json:"reasons,omitempty"`
	Policy            string   `json:"policy,omitempty"`
}
