package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// ErrCodeCredentialRequired is reported for a resource tested without a credential.
const ErrCodeCredentialRequired = "CREDENTIAL_REQUIRED"

// ResourceCredential overrides the credential used to test one resource.
type ResourceCredential struct {
	ResourceID   string `json:"resource_id" validate:"required"`
	CredentialID string `json:"credential_id" validate:"required"`
}

// ResourceTestResult is the connection test outcome of one resource.
type ResourceTestResult struct {
	ResourceID string `json:"resource_id"`
	Success    bool   `json:"success"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Guide      *Guide `json:"guide,omitempty"`
}

// ConnectionTestResult is the outcome of a connection test run.
type ConnectionTestResult struct {
	TargetSourceID string               `json:"target_source_id"`
	Status         ConnectionTestStatus `json:"status"`
	TestedAt       time.Time            `json:"tested_at"`
	Results        []ResourceTestResult `json:"results"`
	ProcessStatus  ProcessStatus        `json:"process_status"`
}

// ConnectionTester verifies that installed agents reach their databases.
type ConnectionTester struct {
	clock      clockwork.Clock
	connectors Connectors
	history    *HistoryLog
	workers    int
}

// NewConnectionTester creates a connection tester running up to workers tests at once.
func NewConnectionTester(clock clockwork.Clock, connectors Connectors, history *HistoryLog, workers int) *ConnectionTester {
	if workers <= 0 {
		workers = 4
	}
	return &ConnectionTester{clock: clock, connectors: connectors, history: history, workers: workers}
}

// Run tests every selected resource. The facet is PASSED only when all pass.
func (c *ConnectionTester) Run(ctx context.Context, tx RepositoryTx, ts *TargetSource, credentials []ResourceCredential, actor Actor) (*ConnectionTestResult, error) {
	if ts.Status.Installation.Status != InstallationStatusCompleted {
		return nil, NewConflictError(ErrCodeConflict, "installation is not completed").WithTargetSource(ts.ID)
	}

	overrides := make(map[string]string, len(credentials))
	for _, cred := range credentials {
		if _, ok := ts.Resource(cred.ResourceID); !ok {
			return nil, NewValidationError("unknown resource " + cred.ResourceID).WithTargetSource(ts.ID)
		}
		overrides[cred.ResourceID] = cred.CredentialID
	}

	targets := ts.SelectedResources()
	if len(targets) == 0 {
		return nil, NewValidationError("no selected resources to test").WithTargetSource(ts.ID)
	}

	conn, err := c.connectors.For(ts.CloudProvider)
	if err != nil {
		return nil, err
	}

	for _, r := range targets {
		if id, ok := overrides[r.ID]; ok {
			r.SelectedCredentialID = id
		}
	}

	results := make([]ResourceTestResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, r := range targets {
		g.Go(func() error {
			results[i] = c.test(gctx, conn, ts, r)
			return nil
		})
	}
	_ = g.Wait()

	now := c.clock.Now().UTC()
	status := ConnectionTestPassed
	passed, failed := 0, 0
	for i, r := range targets {
		r.UpdatedAt = now
		if results[i].Success {
			passed++
			r.ConnectionStatus = ConnectionConnected
			if r.LifecycleStatus == LifecycleReadyToTest {
				r.LifecycleStatus = LifecycleActive
			}
			continue
		}
		failed++
		status = ConnectionTestFailed
		r.ConnectionStatus = ConnectionDisconnected
	}

	ts.Status.ConnectionTest = ConnectionTestFacet{Status: status, TestedAt: &now}

	details := map[string]interface{}{"status": string(status), "passed": passed, "failed": failed}
	if err := c.history.record(ctx, tx, ts, HistoryConnectionTested, actor, details); err != nil {
		return nil, err
	}

	return &ConnectionTestResult{
		TargetSourceID: ts.ID,
		Status:         status,
		TestedAt:       now,
		Results:        results,
	}, nil
}

func (c *ConnectionTester) test(ctx context.Context, conn Connector, ts *TargetSource, r *Resource) ResourceTestResult {
	out := ResourceTestResult{ResourceID: r.ID}
	if r.Type.RequiresCredential() && r.SelectedCredentialID == "" {
		out.Code = ErrCodeCredentialRequired
		out.Message = "a database credential is required"
		return out
	}
	res, err := conn.TestConnection(ctx, ts, r, r.SelectedCredentialID)
	if err != nil {
		out.Code = ErrCodeProviderFailed
		out.Message = err.Error()
		return out
	}
	out.Success = res.Success
	out.Code = res.Code
	out.Message = res.Message
	out.Guide = res.Guide
	return out
}
