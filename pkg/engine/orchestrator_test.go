package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/piiagent/integrator/pkg/engine"
	"github.com/piiagent/integrator/pkg/stores"
)

var startTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	operator = &engine.User{ID: "u-op", Name: "Operator", Role: engine.RoleUser, ServiceCodePermissions: []string{"svc-a"}}
	outsider = &engine.User{ID: "u-out", Name: "Outsider", Role: engine.RoleUser, ServiceCodePermissions: []string{"svc-b"}}
	admin    = &engine.User{ID: "u-admin", Name: "Admin", Role: engine.RoleAdmin}
	admin2   = &engine.User{ID: "u-admin2", Name: "Second Admin", Role: engine.RoleAdmin}
)

func as(u *engine.User) context.Context {
	return engine.WithUser(context.Background(), u)
}

// fakeConnector is a scriptable engine.Connector.
type fakeConnector struct {
	mu            sync.Mutex
	discovered    []engine.DiscoveredResource
	discoverErr   error
	prerequisite  *engine.ConnectorResult
	applyFailures map[engine.ApplyScope]*engine.ConnectorResult
	testFailures  map[string]bool
	applied       int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		prerequisite:  engine.Succeeded(),
		applyFailures: make(map[engine.ApplyScope]*engine.ConnectorResult),
		testFailures:  make(map[string]bool),
	}
}

func (c *fakeConnector) VerifyPrerequisite(context.Context, *engine.TargetSource) (*engine.ConnectorResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prerequisite, nil
}

func (c *fakeConnector) ApplyInfrastructure(_ context.Context, req engine.ApplyRequest) (*engine.ConnectorResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied++
	if res, ok := c.applyFailures[req.Scope]; ok {
		return res, nil
	}
	return engine.Succeeded(), nil
}

func (c *fakeConnector) TestConnection(_ context.Context, _ *engine.TargetSource, r *engine.Resource, _ string) (*engine.ConnectorResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.testFailures[r.ResourceID] {
		return &engine.ConnectorResult{Code: "AUTH_FAILED", Message: "access denied"}, nil
	}
	return engine.Succeeded(), nil
}

func (c *fakeConnector) Discover(context.Context, *engine.TargetSource) ([]engine.DiscoveredResource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovered, c.discoverErr
}

func (c *fakeConnector) set(f func(c *fakeConnector)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c)
}

type harness struct {
	t     *testing.T
	store *stores.MemoryStore
	clock *clockwork.FakeClock
	conn  *fakeConnector
	o     *engine.Orchestrator
}

func newHarness(t *testing.T, policy engine.AutoApprovalPolicy) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		store: stores.NewMemoryStore(),
		clock: clockwork.NewFakeClockAt(startTime),
		conn:  newFakeConnector(),
	}
	connectors := engine.Connectors{}
	for _, p := range []engine.CloudProvider{engine.ProviderAWS, engine.ProviderAzure, engine.ProviderGCP, engine.ProviderIDC, engine.ProviderSDU} {
		connectors[p] = h.conn
	}
	h.o = engine.NewOrchestrator(h.store, connectors, engine.Options{
		Clock:  h.clock,
		Policy: policy,
	})
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

var awsResources = []engine.DiscoveredResource{
	{ResourceID: "arn:aws:rds:eu-west-1:1:db:orders", Type: engine.ResourceRDS, DatabaseType: "MYSQL", Region: "eu-west-1"},
	{ResourceID: "i-0a1b2c", Type: engine.ResourceEC2, Region: "eu-west-1"},
	{ResourceID: "arn:aws:dynamodb:eu-west-1:1:table/events", Type: engine.ResourceDynamoDB, Region: "eu-west-1"},
}

func (h *harness) register(plan engine.InstallationPlan) *engine.TargetSource {
	h.t.Helper()
	ts, err := h.o.RegisterTargetSource(as(operator), engine.RegisterRequest{
		Name:          "orders",
		ServiceCode:   "svc-a",
		CloudProvider: engine.ProviderAWS,
		Plan:          plan,
		Resources:     awsResources,
	})
	if err != nil {
		h.t.Fatalf("failed to register target source: %v", err)
	}
	return ts
}

// ids maps external resource IDs to internal IDs.
func ids(ts *engine.TargetSource) map[string]string {
	out := make(map[string]string, len(ts.Resources))
	for _, r := range ts.Resources {
		out[r.ResourceID] = r.ID
	}
	return out
}

func resourceByExternal(ts *engine.TargetSource, external string) *engine.Resource {
	for _, r := range ts.Resources {
		if r.ResourceID == external {
			return r
		}
	}
	return nil
}

var vmEndpoint = &engine.VMDatabaseConfig{Host: "10.0.0.5", Port: 3306, DatabaseType: "MYSQL"}

// confirm selects the RDS and EC2 resources.
func (h *harness) confirm(ts *engine.TargetSource) *engine.TargetSource {
	h.t.Helper()
	m := ids(ts)
	rds, ec2 := m[awsResources[0].ResourceID], m[awsResources[1].ResourceID]
	got, err := h.o.ConfirmTargets(as(operator), ts.ID, []string{rds, ec2}, map[string]*engine.VMDatabaseConfig{ec2: vmEndpoint})
	if err != nil {
		h.t.Fatalf("failed to confirm targets: %v", err)
	}
	return got
}

func (h *harness) credentials(ts *engine.TargetSource) []engine.ResourceCredential {
	m := ids(ts)
	return []engine.ResourceCredential{
		{ResourceID: m[awsResources[0].ResourceID], CredentialID: "cred-rds"},
		{ResourceID: m[awsResources[1].ResourceID], CredentialID: "cred-vm"},
	}
}

func (h *harness) historyTypes(id string) []engine.HistoryType {
	h.t.Helper()
	page, err := h.o.History(as(operator), id, engine.HistoryQuery{Limit: 200})
	if err != nil {
		h.t.Fatalf("failed to query history: %v", err)
	}
	var types []engine.HistoryType
	for _, e := range page.Entries {
		types = append(types, e.Type)
	}
	return types
}

func wantStage(t *testing.T, ts *engine.TargetSource, want engine.ProcessStatus) {
	t.Helper()
	if ts.ProcessStatus != want {
		t.Fatalf("process status = %s, want %s", ts.ProcessStatus, want)
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !engine.HasCode(err, code) {
		t.Fatalf("expected error code %s, got %v", code, err)
	}
}

func TestIntegrationHappyPath(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})

	ts := h.register(nil)
	wantStage(t, ts, engine.StageWaitingTargetConfirmation)
	if len(ts.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(ts.Resources))
	}

	h.clock.Advance(time.Second)
	ts = h.confirm(ts)
	wantStage(t, ts, engine.StageWaitingApproval)
	dynamo := resourceByExternal(ts, awsResources[2].ResourceID)
	if dynamo.IsSelected || dynamo.Exclusion == nil || dynamo.Exclusion.Reason != "not selected for integration" {
		t.Errorf("unselected resource should be excluded: %+v", dynamo)
	}
	if r := resourceByExternal(ts, awsResources[0].ResourceID); r.LifecycleStatus != engine.LifecyclePendingApproval {
		t.Errorf("selected resource should wait for approval, got %s", r.LifecycleStatus)
	}

	if _, err := h.o.Approve(as(operator), ts.ID); err == nil {
		t.Fatal("operators must not approve")
	}

	h.clock.Advance(time.Second)
	ts, err := h.o.Approve(as(admin), ts.ID)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	wantStage(t, ts, engine.StageInstalling)
	if ts.Status.Installation.Status != engine.InstallationStatusInProgress {
		t.Errorf("installation should be in progress, got %s", ts.Status.Installation.Status)
	}

	h.clock.Advance(time.Second)
	view, err := h.o.CheckInstallation(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("CheckInstallation() error = %v", err)
	}
	if view.Status != engine.InstallationStatusCompleted || view.ProcessStatus != engine.StageWaitingConnectionTest {
		t.Fatalf("expected completed installation at stage 4, got %s at %s", view.Status, view.ProcessStatus)
	}
	if !view.Run.Completed() {
		t.Error("both installation phases should be completed")
	}

	h.clock.Advance(time.Second)
	result, err := h.o.TestConnection(as(operator), ts.ID, h.credentials(ts))
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if result.Status != engine.ConnectionTestPassed || result.ProcessStatus != engine.StageConnectionVerified {
		t.Fatalf("expected passed test at stage 5, got %s at %s", result.Status, result.ProcessStatus)
	}

	h.clock.Advance(time.Second)
	ts, err = h.o.ConfirmCompletion(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("ConfirmCompletion() error = %v", err)
	}
	wantStage(t, ts, engine.StageInstallationComplete)

	for _, external := range []string{awsResources[0].ResourceID, awsResources[1].ResourceID} {
		r := resourceByExternal(ts, external)
		if r.LifecycleStatus != engine.LifecycleActive || r.ConnectionStatus != engine.ConnectionConnected {
			t.Errorf("%s should be active and connected: %s/%s", external, r.LifecycleStatus, r.ConnectionStatus)
		}
	}

	want := []engine.HistoryType{
		engine.HistoryCompletionConfirmed,
		engine.HistoryConnectionTested,
		engine.HistoryInstallationCompleted,
		engine.HistoryApproval,
		engine.HistoryTargetConfirmed,
	}
	if diff := cmp.Diff(want, h.historyTypes(ts.ID)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	status, err := h.o.ProcessStatus(as(outsider), ts.ID)
	if err != nil {
		t.Fatalf("ProcessStatus() error = %v", err)
	}
	if status.Stage != "INSTALLATION_COMPLETE" {
		t.Errorf("stage = %s", status.Stage)
	}
}

func TestAutoApprovalStartsInstallation(t *testing.T) {
	h := newHarness(t, nil)
	ts := h.register(nil)
	m := ids(ts)

	req, err := h.o.CreateApprovalRequest(as(operator), ts.ID, []engine.ResourceInput{
		{ResourceID: m[awsResources[0].ResourceID], Selected: true, CredentialID: "cred-rds"},
		{ResourceID: m[awsResources[1].ResourceID], ExclusionReason: "legacy host"},
		{ResourceID: m[awsResources[2].ResourceID], Selected: true},
	})
	if err != nil {
		t.Fatalf("CreateApprovalRequest() error = %v", err)
	}
	if req.IsPending() || req.Resolution.Result != engine.ApprovalResultAutoApproved {
		t.Fatalf("expected auto-approved request, got %+v", req.Resolution)
	}

	got, err := h.o.GetTargetSource(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("GetTargetSource() error = %v", err)
	}
	wantStage(t, got, engine.StageInstalling)
	if got.Status.Approval.Status != engine.ApprovalStatusAutoApproved {
		t.Errorf("approval status = %s", got.Status.Approval.Status)
	}

	want := []engine.HistoryType{engine.HistoryAutoApproved, engine.HistoryTargetConfirmed}
	if diff := cmp.Diff(want, h.historyTypes(ts.ID)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestConfirmTargetsValidation(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)
	m := ids(ts)
	ec2 := m[awsResources[1].ResourceID]

	if _, err := h.o.ConfirmTargets(as(operator), ts.ID, nil, nil); !engine.IsValidation(err) {
		t.Errorf("empty selection should fail validation, got %v", err)
	}
	if _, err := h.o.ConfirmTargets(as(operator), ts.ID, []string{ec2}, nil); !engine.IsValidation(err) {
		t.Errorf("VM without endpoint should fail validation, got %v", err)
	}
	bad := &engine.VMDatabaseConfig{Host: "10.0.0.5", Port: 70000, DatabaseType: "MYSQL"}
	if _, err := h.o.ConfirmTargets(as(operator), ts.ID, []string{ec2}, map[string]*engine.VMDatabaseConfig{ec2: bad}); !engine.IsValidation(err) {
		t.Errorf("invalid port should fail validation, got %v", err)
	}
	if _, err := h.o.ConfirmTargets(as(operator), ts.ID, []string{"unknown"}, nil); !engine.IsValidation(err) {
		t.Errorf("unknown resource should fail validation, got %v", err)
	}

	got, _ := h.o.GetTargetSource(as(operator), ts.ID)
	wantStage(t, got, engine.StageWaitingTargetConfirmation)
	if len(h.historyTypes(ts.ID)) != 0 {
		t.Error("failed confirmations must not write history")
	}
}

func TestIdentityAndPermissions(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)

	if _, err := h.o.GetTargetSource(context.Background(), ts.ID); !engine.HasCode(err, engine.ErrCodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED without a user, got %v", err)
	}
	if _, err := h.o.ConfirmTargets(as(outsider), ts.ID, []string{ts.Resources[0].ID}, nil); !engine.HasCode(err, engine.ErrCodeForbidden) {
		t.Errorf("expected FORBIDDEN for another service, got %v", err)
	}
	if _, err := h.o.Approve(as(admin), "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown target source, got %v", err)
	}
	_, err := h.o.RegisterTargetSource(as(outsider), engine.RegisterRequest{Name: "x", ServiceCode: "svc-a", CloudProvider: engine.ProviderGCP})
	wantCode(t, err, engine.ErrCodeForbidden)

	_, err = h.o.RegisterTargetSource(as(operator), engine.RegisterRequest{ServiceCode: "svc-a", CloudProvider: engine.ProviderGCP})
	wantCode(t, err, engine.ErrCodeValidation)
}

func TestConcurrentApprovalRequests(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)
	m := ids(ts)
	rds := m[awsResources[0].ResourceID]

	inputs := []engine.ResourceInput{
		{ResourceID: rds, Selected: true},
		{ResourceID: m[awsResources[1].ResourceID], ExclusionReason: "later"},
		{ResourceID: m[awsResources[2].ResourceID], ExclusionReason: "later"},
	}

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.o.CreateApprovalRequest(as(operator), ts.ID, inputs)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case engine.HasCode(err, engine.ErrCodeConflictRequestPending):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one request should be created, got %d", succeeded)
	}

	pending, err := h.store.GetPendingApprovalRequest(context.Background(), ts.ID)
	if err != nil {
		t.Fatalf("GetPendingApprovalRequest() error = %v", err)
	}
	h.clock.Advance(time.Minute)
	_, err = h.o.CreateApprovalRequest(as(operator), ts.ID, []engine.ResourceInput{
		{ResourceID: rds, ExclusionReason: "changed my mind"},
		{ResourceID: m[awsResources[1].ResourceID], Selected: true},
		{ResourceID: m[awsResources[2].ResourceID], ExclusionReason: "later"},
	})
	wantCode(t, err, engine.ErrCodeConflictRequestPending)
	after, err := h.store.GetPendingApprovalRequest(context.Background(), ts.ID)
	if err != nil {
		t.Fatalf("GetPendingApprovalRequest() error = %v", err)
	}
	if diff := cmp.Diff(pending, after); diff != "" {
		t.Errorf("a refused request changed the pending one (-before +after):\n%s", diff)
	}

	results := make([]error, 2)
	for i, u := range []*engine.User{admin, admin2} {
		wg.Add(1)
		go func(i int, u *engine.User) {
			defer wg.Done()
			_, results[i] = h.o.Approve(as(u), ts.ID)
		}(i, u)
	}
	wg.Wait()

	approved, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			approved++
		case engine.IsConflict(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if approved != 1 || conflicts != 1 {
		t.Errorf("expected one approval and one conflict, got %d/%d", approved, conflicts)
	}

	if _, err := h.o.Reject(as(admin), ts.ID, "late"); !engine.IsConflict(err) {
		t.Errorf("rejecting a processed request should conflict, got %v", err)
	}
	if _, err := h.o.CreateApprovalRequest(as(operator), ts.ID, inputs); !engine.HasCode(err, engine.ErrCodeConflictApplyingInProgress) {
		t.Errorf("expected CONFLICT_APPLYING_IN_PROGRESS during installation, got %v", err)
	}
}

func TestConcurrentApproveAndReject(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, engine.ManualApprovalPolicy{})
		ts := h.confirm(h.register(nil))

		var wg sync.WaitGroup
		var approveErr, rejectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = h.o.Approve(as(admin), ts.ID)
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = h.o.Reject(as(admin2), ts.ID, "not this quarter")
		}()
		wg.Wait()

		got, err := h.o.GetTargetSource(as(operator), ts.ID)
		if err != nil {
			t.Fatalf("GetTargetSource() error = %v", err)
		}
		requests, err := h.store.ListApprovalRequests(context.Background(), ts.ID)
		if err != nil {
			t.Fatalf("ListApprovalRequests() error = %v", err)
		}
		if len(requests) != 1 || requests[0].Resolution == nil {
			t.Fatalf("expected one resolved request, got %+v", requests)
		}

		switch {
		case approveErr == nil && engine.IsConflict(rejectErr):
			wantStage(t, got, engine.StageInstalling)
			if requests[0].Resolution.Result != engine.ApprovalResultApproved {
				t.Errorf("resolution = %s, want APPROVED", requests[0].Resolution.Result)
			}
		case rejectErr == nil && engine.IsConflict(approveErr):
			wantStage(t, got, engine.StageWaitingTargetConfirmation)
			if requests[0].Resolution.Result != engine.ApprovalResultRejected {
				t.Errorf("resolution = %s, want REJECTED", requests[0].Resolution.Result)
			}
		default:
			t.Fatalf("expected one decision and one conflict, got approve=%v reject=%v", approveErr, rejectErr)
		}
	}
}

func TestStageNeverRegresses(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)

	steps := []struct {
		name     string
		rollback bool
		run      func() error
	}{
		{name: "confirm", run: func() error { h.confirm(ts); return nil }},
		{name: "reject", rollback: true, run: func() error {
			_, err := h.o.Reject(as(admin), ts.ID, "too broad")
			return err
		}},
		{name: "confirm again", run: func() error { h.confirm(ts); return nil }},
		{name: "cancel", rollback: true, run: func() error {
			_, err := h.o.Cancel(as(operator), ts.ID)
			return err
		}},
		{name: "confirm a third time", run: func() error { h.confirm(ts); return nil }},
		{name: "approve", run: func() error {
			_, err := h.o.Approve(as(admin), ts.ID)
			return err
		}},
		{name: "create during installation", run: func() error {
			_, err := h.o.CreateApprovalRequest(as(operator), ts.ID, nil)
			if !engine.IsConflict(err) {
				return fmt.Errorf("expected conflict, got %v", err)
			}
			return nil
		}},
		{name: "check installation", run: func() error {
			_, err := h.o.CheckInstallation(as(operator), ts.ID)
			return err
		}},
		{name: "failing connection test", run: func() error {
			_, err := h.o.TestConnection(as(operator), ts.ID, nil)
			return err
		}},
		{name: "check installation again", run: func() error {
			_, err := h.o.CheckInstallation(as(operator), ts.ID)
			return err
		}},
		{name: "passing connection test", run: func() error {
			_, err := h.o.TestConnection(as(operator), ts.ID, h.credentials(ts))
			return err
		}},
		{name: "confirm completion", run: func() error {
			_, err := h.o.ConfirmCompletion(as(operator), ts.ID)
			return err
		}},
	}

	prev := engine.StageWaitingTargetConfirmation
	for _, step := range steps {
		h.clock.Advance(time.Second)
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		got, err := h.o.GetTargetSource(as(operator), ts.ID)
		if err != nil {
			t.Fatalf("%s: GetTargetSource() error = %v", step.name, err)
		}
		switch {
		case step.rollback && got.ProcessStatus != engine.StageWaitingTargetConfirmation:
			t.Errorf("%s: stage = %s, want %s", step.name, got.ProcessStatus, engine.StageWaitingTargetConfirmation)
		case !step.rollback && got.ProcessStatus < prev:
			t.Errorf("%s: stage regressed from %s to %s", step.name, prev, got.ProcessStatus)
		}
		prev = got.ProcessStatus
	}
	if prev != engine.StageInstallationComplete {
		t.Errorf("final stage = %s, want %s", prev, engine.StageInstallationComplete)
	}
}

func TestRejectRollsBack(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.confirm(h.register(nil))

	if _, err := h.o.Reject(as(admin), ts.ID, "  "); !engine.IsValidation(err) {
		t.Errorf("blank reason should fail validation, got %v", err)
	}

	ts, err := h.o.Reject(as(admin), ts.ID, "scope too broad")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	wantStage(t, ts, engine.StageWaitingTargetConfirmation)
	if ts.LastRejectionReason != "scope too broad" {
		t.Errorf("rejection reason = %q", ts.LastRejectionReason)
	}
	rds := resourceByExternal(ts, awsResources[0].ResourceID)
	if !rds.IsSelected || rds.LifecycleStatus != engine.LifecycleDiscovered {
		t.Errorf("rejected resource keeps its selection and returns to DISCOVERED: %+v", rds)
	}

	status, _ := h.o.ProcessStatus(as(operator), ts.ID)
	if status.LastRejectionReason != "scope too broad" {
		t.Errorf("process status should surface the rejection reason")
	}

	ts = h.confirm(ts)
	wantStage(t, ts, engine.StageWaitingApproval)
	if ts.LastRejectionReason != "" {
		t.Error("a new request clears the rejection reason")
	}
}

func TestCancelApprovalRequest(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)

	if _, err := h.o.Approve(as(admin), ts.ID); !engine.IsNotFound(err) {
		t.Errorf("approving without a request should be NOT_FOUND, got %v", err)
	}

	ts = h.confirm(ts)
	ts, err := h.o.Cancel(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	wantStage(t, ts, engine.StageWaitingTargetConfirmation)
	if ts.Status.Approval.Status != engine.ApprovalStatusNotRequested {
		t.Errorf("approval status = %s", ts.Status.Approval.Status)
	}

	if _, err := h.o.Cancel(as(operator), ts.ID); !engine.IsNotFound(err) {
		t.Errorf("second cancel should be NOT_FOUND, got %v", err)
	}
	if _, err := h.o.Approve(as(admin), ts.ID); !engine.IsNotFound(err) {
		t.Errorf("cancelled requests are deleted, approve should be NOT_FOUND, got %v", err)
	}

	types := h.historyTypes(ts.ID)
	if len(types) != 2 || types[0] != engine.HistoryApprovalCancelled {
		t.Errorf("unexpected history: %v", types)
	}
}

func TestManualInstallationGuide(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.confirm(h.register(engine.AWSPlan{Mode: engine.InstallationModeManual}))
	if _, err := h.o.Approve(as(admin), ts.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	_, err := h.o.CheckInstallation(as(operator), ts.ID)
	e := engine.AsError(err)
	if e == nil || e.Code != engine.ErrCodeValidation || e.Guide == nil {
		t.Fatalf("expected VALIDATION_FAILED with a guide, got %v", err)
	}

	view, err := h.o.InstallationStatus(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("InstallationStatus() error = %v", err)
	}
	if view.Run.LastCheckedAt != nil || view.ProcessStatus != engine.StageInstalling {
		t.Errorf("a failed precondition must not persist anything: %+v", view.Run)
	}

	if _, err := h.o.UpdateInstallationPlan(as(operator), ts.ID, engine.AWSPlan{Mode: engine.InstallationModeAuto}); !engine.IsValidation(err) {
		t.Errorf("AWS mode must be immutable, got %v", err)
	}

	h.conn.set(func(c *fakeConnector) {
		c.prerequisite = &engine.ConnectorResult{Code: "ROLE_NOT_ASSUMABLE", Message: "role trust policy is missing"}
	})
	if _, err := h.o.UpdateInstallationPlan(as(operator), ts.ID, engine.AWSPlan{ExecutionRoleARN: "arn:aws:iam::123456789012:role/pii-agent"}); err != nil {
		t.Fatalf("UpdateInstallationPlan() error = %v", err)
	}
	_, err = h.o.CheckInstallation(as(operator), ts.ID)
	if e := engine.AsError(err); e == nil || e.Class != engine.ErrorClassPrecondition || e.Details["provider_code"] != "ROLE_NOT_ASSUMABLE" {
		t.Fatalf("expected precondition failure from the provider, got %v", err)
	}

	h.conn.set(func(c *fakeConnector) { c.prerequisite = engine.Succeeded() })
	view, err = h.o.CheckInstallation(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("CheckInstallation() error = %v", err)
	}
	if view.ProcessStatus != engine.StageWaitingConnectionTest {
		t.Errorf("expected stage 4, got %s", view.ProcessStatus)
	}
}

func TestInstallationApplyFailureIsRetried(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.confirm(h.register(nil))

	if _, err := h.o.CheckInstallation(as(operator), ts.ID); !engine.IsConflict(err) {
		t.Errorf("checking before approval should conflict, got %v", err)
	}
	if _, err := h.o.Approve(as(admin), ts.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	h.conn.set(func(c *fakeConnector) {
		c.applyFailures[engine.ApplyScopeResource] = &engine.ConnectorResult{Code: "QUOTA_EXCEEDED", Message: "ENI quota exceeded"}
	})
	view, err := h.o.CheckInstallation(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("apply failures are reported in the status, got %v", err)
	}
	if view.Status != engine.InstallationStatusFailed || view.Run.LastError.Code != "QUOTA_EXCEEDED" {
		t.Fatalf("expected FAILED with the provider code, got %s %+v", view.Status, view.Run.LastError)
	}
	if view.ProcessStatus != engine.StageInstalling {
		t.Errorf("failed installation stays at stage 3, got %s", view.ProcessStatus)
	}

	h.conn.set(func(c *fakeConnector) { delete(c.applyFailures, engine.ApplyScopeResource) })
	view, err = h.o.CheckInstallation(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("CheckInstallation() error = %v", err)
	}
	if view.Status != engine.InstallationStatusCompleted || view.Run.LastError != nil {
		t.Errorf("retry should complete the installation: %s %+v", view.Status, view.Run.LastError)
	}
}

func TestConnectionTestFailureAndRetry(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.confirm(h.register(nil))

	if _, err := h.o.TestConnection(as(operator), ts.ID, nil); !engine.IsConflict(err) {
		t.Errorf("testing before installation should conflict, got %v", err)
	}
	if _, err := h.o.Approve(as(admin), ts.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := h.o.CheckInstallation(as(operator), ts.ID); err != nil {
		t.Fatalf("CheckInstallation() error = %v", err)
	}

	result, err := h.o.TestConnection(as(operator), ts.ID, nil)
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if result.Status != engine.ConnectionTestFailed || result.ProcessStatus != engine.StageWaitingConnectionTest {
		t.Fatalf("missing credentials should fail the test at stage 4, got %s/%s", result.Status, result.ProcessStatus)
	}
	for _, r := range result.Results {
		if r.Code != engine.ErrCodeCredentialRequired {
			t.Errorf("expected CREDENTIAL_REQUIRED for %s, got %s", r.ResourceID, r.Code)
		}
	}

	if _, err := h.o.ConfirmCompletion(as(operator), ts.ID); !engine.IsConflict(err) {
		t.Errorf("confirming before verification should conflict, got %v", err)
	}

	h.conn.set(func(c *fakeConnector) { c.testFailures[awsResources[1].ResourceID] = true })
	result, err = h.o.TestConnection(as(operator), ts.ID, h.credentials(ts))
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if result.Status != engine.ConnectionTestFailed {
		t.Fatalf("one failing resource fails the test")
	}
	got, _ := h.o.GetTargetSource(as(operator), ts.ID)
	if r := resourceByExternal(got, awsResources[0].ResourceID); r.LifecycleStatus != engine.LifecycleActive {
		t.Errorf("passing resource should become active, got %s", r.LifecycleStatus)
	}
	if r := resourceByExternal(got, awsResources[1].ResourceID); r.ConnectionStatus != engine.ConnectionDisconnected {
		t.Errorf("failing resource should be disconnected, got %s", r.ConnectionStatus)
	}

	h.conn.set(func(c *fakeConnector) { c.testFailures = map[string]bool{} })
	result, err = h.o.TestConnection(as(operator), ts.ID, nil)
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if result.ProcessStatus != engine.StageConnectionVerified {
		t.Errorf("stored credentials should be reused, got %s", result.ProcessStatus)
	}
}

func TestActiveResourcesAreNeverDowngraded(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.confirm(h.register(nil))
	if _, err := h.o.Approve(as(admin), ts.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := h.o.CheckInstallation(as(operator), ts.ID); err != nil {
		t.Fatalf("CheckInstallation() error = %v", err)
	}
	if _, err := h.o.TestConnection(as(operator), ts.ID, h.credentials(ts)); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}

	// Confirm a new set that leaves out the active resources.
	dynamo := ids(ts)[awsResources[2].ResourceID]
	ts, err := h.o.ConfirmTargets(as(operator), ts.ID, []string{dynamo}, nil)
	if err != nil {
		t.Fatalf("ConfirmTargets() error = %v", err)
	}
	wantStage(t, ts, engine.StageWaitingApproval)
	for _, external := range []string{awsResources[0].ResourceID, awsResources[1].ResourceID} {
		r := resourceByExternal(ts, external)
		if r.LifecycleStatus != engine.LifecycleActive || !r.IsSelected {
			t.Errorf("%s must stay active and selected, got %s", external, r.LifecycleStatus)
		}
	}

	// A scan that no longer reports the active resources keeps them.
	h.conn.set(func(c *fakeConnector) { c.discovered = awsResources[2:] })
	if _, err := h.o.RunScan(as(operator), ts.ID, false); err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	h.clock.Advance(time.Minute)
	if _, err := h.o.ScanStatus(as(operator), ts.ID); err != nil {
		t.Fatalf("ScanStatus() error = %v", err)
	}
	got, _ := h.o.GetTargetSource(as(operator), ts.ID)
	if len(got.Resources) != 3 {
		t.Errorf("active resources must survive the scan, got %d resources", len(got.Resources))
	}
}

func TestScanLifecycle(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)
	h.conn.set(func(c *fakeConnector) {
		c.discovered = append(append([]engine.DiscoveredResource{}, awsResources...),
			engine.DiscoveredResource{ResourceID: "arn:aws:rds:eu-west-1:1:cluster:billing", Type: engine.ResourceRDSCluster})
	})

	job, err := h.o.RunScan(as(operator), ts.ID, false)
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if job.Status != engine.ScanStatusScanning {
		t.Fatalf("job status = %s", job.Status)
	}

	_, err = h.o.RunScan(as(operator), ts.ID, false)
	wantCode(t, err, engine.ErrCodeScanInProgress)
	if got := engine.AsError(err).Details["existing_scan_id"]; got != job.ID {
		t.Errorf("existing_scan_id = %v, want %s", got, job.ID)
	}

	h.clock.Advance(10 * time.Second)
	status, err := h.o.ScanStatus(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("ScanStatus() error = %v", err)
	}
	if !status.IsScanning || status.CanScan || status.CurrentScan.Progress != 33 {
		t.Fatalf("unexpected status: %+v", status)
	}

	h.clock.Advance(30 * time.Second)
	if err := h.o.TickScans(context.Background()); err != nil {
		t.Fatalf("TickScans() error = %v", err)
	}
	status, err = h.o.ScanStatus(as(operator), ts.ID)
	if err != nil {
		t.Fatalf("ScanStatus() error = %v", err)
	}
	if status.IsScanning || status.LastCompletedScan.Status != engine.ScanStatusCompleted {
		t.Fatalf("scan should be completed: %+v", status)
	}
	if diff := cmp.Diff(&engine.ScanResult{TotalFound: 4, NewFound: 1}, status.LastCompletedScan.Result); diff != "" {
		t.Errorf("scan result mismatch (-want +got):\n%s", diff)
	}
	if status.Validation.ErrorCode != engine.ErrCodeCooldownActive {
		t.Errorf("expected cooldown after completion, got %+v", status.Validation)
	}

	_, err = h.o.RunScan(as(operator), ts.ID, false)
	wantCode(t, err, engine.ErrCodeCooldownActive)

	if _, err := h.o.RunScan(as(operator), ts.ID, true); err != nil {
		t.Fatalf("forced scan should bypass the cooldown: %v", err)
	}
	superseding, err := h.o.RunScan(as(operator), ts.ID, true)
	if err != nil {
		t.Fatalf("forced scan should supersede the running job: %v", err)
	}

	jobs, total, err := h.o.ScanHistory(as(operator), ts.ID, 0, 0)
	if err != nil {
		t.Fatalf("ScanHistory() error = %v", err)
	}
	if total != 3 || jobs[0].ID != superseding.ID {
		t.Fatalf("expected 3 jobs newest first, got %d", total)
	}
	if jobs[1].Status != engine.ScanStatusFailed || jobs[1].Error.Code != engine.ErrCodeScanSuperseded {
		t.Errorf("superseded job should fail with SCAN_SUPERSEDED: %+v", jobs[1])
	}

	got, _ := h.o.GetTargetSource(as(operator), ts.ID)
	if len(got.Resources) != 4 {
		t.Errorf("expected discovered resource to be merged, got %d resources", len(got.Resources))
	}
}

func TestScanFailureInjection(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)
	h.o.Scans().SetFailureInjector(func(*engine.ScanJob) error {
		return errors.New("provider API throttled")
	})

	if _, err := h.o.RunScan(as(operator), ts.ID, false); err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	h.clock.Advance(time.Minute)

	job, err := h.o.AwaitScan(as(operator), ts.ID, time.Minute)
	if err != nil {
		t.Fatalf("AwaitScan() error = %v", err)
	}
	if job.Status != engine.ScanStatusFailed || job.Error.Message != "provider API throttled" {
		t.Errorf("expected injected failure, got %+v", job)
	}
	if types := h.historyTypes(ts.ID); len(types) != 1 || types[0] != engine.HistoryScanFailed {
		t.Errorf("expected SCAN_FAILED history, got %v", types)
	}
}

func TestAwaitScanWakesOnCompletion(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.register(nil)
	h.conn.set(func(c *fakeConnector) { c.discovered = awsResources })

	if _, err := h.o.RunScan(as(operator), ts.ID, false); err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}

	type outcome struct {
		job *engine.ScanJob
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		job, err := h.o.AwaitScan(as(operator), ts.ID, 5*time.Minute)
		done <- outcome{job, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The deadline timer and the poll ticker.
	if err := h.clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatalf("AwaitScan did not start waiting: %v", err)
	}
	h.clock.Advance(31 * time.Second)

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("AwaitScan() error = %v", got.err)
		}
		if got.job.Status != engine.ScanStatusCompleted {
			t.Errorf("job status = %s", got.job.Status)
		}
	case <-ctx.Done():
		t.Fatal("AwaitScan did not return")
	}
}

func TestScanUnsupportedProvider(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts, err := h.o.RegisterTargetSource(as(operator), engine.RegisterRequest{
		Name:          "on-prem",
		ServiceCode:   "svc-a",
		CloudProvider: engine.ProviderIDC,
		Resources:     []engine.DiscoveredResource{{ResourceID: "db01.dc1", Type: engine.ResourceIDCDatabase}},
	})
	if err != nil {
		t.Fatalf("RegisterTargetSource() error = %v", err)
	}
	if _, err := h.o.RunScan(as(operator), ts.ID, true); !engine.HasCode(err, engine.ErrCodeUnsupportedProvider) {
		t.Errorf("expected UNSUPPORTED_PROVIDER, got %v", err)
	}
}

func TestListTargetSources(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	for i := 0; i < 3; i++ {
		h.register(nil)
		h.clock.Advance(time.Second)
	}
	if _, err := h.o.RegisterTargetSource(as(admin), engine.RegisterRequest{Name: "analytics", ServiceCode: "svc-b", CloudProvider: engine.ProviderGCP}); err != nil {
		t.Fatalf("RegisterTargetSource() error = %v", err)
	}

	all, err := h.o.ListTargetSources(as(operator), engine.TargetSourceFilter{})
	if err != nil {
		t.Fatalf("ListTargetSources() error = %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 target sources, got %d", len(all))
	}

	gcp, _ := h.o.ListTargetSources(as(operator), engine.TargetSourceFilter{CloudProvider: engine.ProviderGCP})
	if len(gcp) != 1 || gcp[0].Plan.Provider() != engine.ProviderGCP {
		t.Errorf("provider filter failed: %v", gcp)
	}

	page, _ := h.o.ListTargetSources(as(operator), engine.TargetSourceFilter{ServiceCode: "svc-a", Limit: 2, Offset: 2})
	if len(page) != 1 {
		t.Errorf("expected the last svc-a target source, got %d", len(page))
	}

	if _, err := h.o.ListTargetSources(as(operator), engine.TargetSourceFilter{Limit: -1}); !engine.IsValidation(err) {
		t.Errorf("negative limit should fail validation, got %v", err)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	h := newHarness(t, engine.ManualApprovalPolicy{})
	ts := h.confirm(h.register(nil))

	first, err := h.o.History(as(operator), ts.ID, engine.HistoryQuery{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	h.clock.Advance(time.Second)
	if _, err := h.o.Reject(as(admin), ts.ID, "no"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	h.clock.Advance(time.Second)
	h.confirm(ts)

	second, err := h.o.History(as(operator), ts.ID, engine.HistoryQuery{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if second.Total != first.Total+2 {
		t.Fatalf("expected two new entries, got %d -> %d", first.Total, second.Total)
	}
	oldest := second.Entries[len(second.Entries)-1]
	if diff := cmp.Diff(first.Entries[0], oldest); diff != "" {
		t.Errorf("existing entries must not change (-before +after):\n%s", diff)
	}

	rejections, _ := h.o.History(as(operator), ts.ID, engine.HistoryQuery{Type: engine.HistoryRejection})
	if rejections.Total != 1 || rejections.Entries[0].Details["reason"] != "no" {
		t.Errorf("unexpected rejection entries: %+v", rejections.Entries)
	}
}
