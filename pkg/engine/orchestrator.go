package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/piiagent/integrator/pkg/telemetry"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultScanPageSize = 20
	maxScanPageSize     = 200
	defaultTickInterval = time.Second
)

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	Clock     clockwork.Clock
	Identity  Identity
	Policy    AutoApprovalPolicy
	Scan      ScanConfig
	Install   InstallConfig
	Telemetry *telemetry.Telemetry

	// TickInterval is how often Run advances active scan jobs.
	TickInterval time.Duration
}

// Orchestrator is the public surface of the integration process. Every
// mutation of a target source runs inside Repository.Atomic and re-derives
// the process status before it is persisted.
type Orchestrator struct {
	repo      Repository
	identity  Identity
	clock     clockwork.Clock
	tel       *telemetry.Telemetry
	history   *HistoryLog
	scans     *ScanJobManager
	installs  *InstallationManager
	approvals *ApprovalWorkflow
	tester    *ConnectionTester
	interval  time.Duration
}

// NewOrchestrator wires the workflows around repo and connectors.
func NewOrchestrator(repo Repository, connectors Connectors, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Identity == nil {
		opts.Identity = ContextIdentity{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.Scan.Cooldown == 0 && opts.Scan.Durations == nil && opts.Scan.DefaultDuration == 0 {
		opts.Scan = DefaultScanConfig()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}

	history := NewHistoryLog(opts.Clock)
	installs := NewInstallationManager(opts.Install, opts.Clock, connectors, history)
	return &Orchestrator{
		repo:      repo,
		identity:  opts.Identity,
		clock:     opts.Clock,
		tel:       opts.Telemetry,
		history:   history,
		scans:     NewScanJobManager(opts.Scan, opts.Clock, connectors, history),
		installs:  installs,
		approvals: NewApprovalWorkflow(opts.Policy, opts.Clock, history, installs),
		tester:    NewConnectionTester(opts.Clock, connectors, history, opts.Install.Workers),
		interval:  opts.TickInterval,
	}
}

// Scans exposes the scan job manager, mainly to install a failure injector.
func (o *Orchestrator) Scans() *ScanJobManager {
	return o.scans
}

// effects are collected inside an exclusive scope and emitted after commit.
type effects struct {
	events  []telemetry.Event
	metrics []func(m *telemetry.Metrics)
}

func (fx *effects) event(eventType, targetSourceID, jobID, message string, data map[string]interface{}) {
	fx.events = append(fx.events, telemetry.Event{
		Type:           eventType,
		Source:         "orchestrator",
		TargetSourceID: targetSourceID,
		JobID:          jobID,
		Message:        message,
		Data:           data,
	})
}

func (fx *effects) metric(f func(m *telemetry.Metrics)) {
	fx.metrics = append(fx.metrics, f)
}

type mutation func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error

// mutate resolves the caller, loads the target source inside its exclusive
// scope, applies fn and persists the refreshed target source.
func (o *Orchestrator) mutate(ctx context.Context, operation, id string, fn mutation) (*TargetSource, error) {
	ic := o.tel.StartOperation(o.tel.WithContext(ctx), operation, id)

	user, err := o.identity.CurrentUser(ic.Ctx)
	if err != nil {
		return nil, o.fail(ic, err)
	}

	var (
		result *TargetSource
		from   ProcessStatus
		fx     effects
	)
	err = o.repo.Atomic(ic.Ctx, id, func(ctx context.Context, tx RepositoryTx) error {
		fx = effects{}
		ts, err := loadTargetSource(ctx, tx, id)
		if err != nil {
			return err
		}
		if !user.CanAccess(ts.ServiceCode) {
			return NewForbiddenError("no permission for service " + ts.ServiceCode).WithTargetSource(id)
		}
		from = ts.ProcessStatus
		if err := fn(ctx, tx, ts, user, &fx); err != nil {
			return err
		}
		if err := o.persist(ctx, tx, ts); err != nil {
			return err
		}
		result = ts
		return nil
	})
	if err != nil {
		return nil, o.fail(ic, err)
	}

	o.emit(id, from, result.ProcessStatus, fx)
	ic.Span.SetAttributes(telemetry.AttrProcessStatus.Int(int(result.ProcessStatus)))
	ic.Logger.WithField("process_status", result.ProcessStatus.String()).Debug("operation completed")
	ic.End(nil)
	return result, nil
}

// persist refreshes the derived process status and saves ts.
func (o *Orchestrator) persist(ctx context.Context, tx RepositoryTx, ts *TargetSource) error {
	run, err := tx.GetInstallationRun(ctx, ts.ID)
	if errors.Is(err, ErrNotFound) {
		run = nil
	} else if err != nil {
		return NewInternalError("failed to load installation run", err)
	}
	ts.Refresh(run.Facts())
	ts.UpdatedAt = o.clock.Now().UTC()
	if err := tx.SaveTargetSource(ctx, ts); err != nil {
		return NewInternalError("failed to save target source", err)
	}
	return nil
}

// emit publishes collected effects once the scope has committed.
func (o *Orchestrator) emit(id string, from, to ProcessStatus, fx effects) {
	for _, f := range fx.metrics {
		f(o.tel.Metrics)
	}
	if from != to {
		o.tel.Metrics.RecordStageTransition(from.String(), to.String())
		if err := o.tel.Events.PublishStageChanged(id, from.String(), to.String()); err != nil {
			o.tel.Logger.WithError(err).Warn("failed to publish stage change")
		}
	}
	for _, ev := range fx.events {
		if err := o.tel.Events.Publish(ev); err != nil {
			o.tel.Logger.WithError(err).Warn("failed to publish event")
		}
	}
}

// fail classifies err, records it and ends the operation.
func (o *Orchestrator) fail(ic *telemetry.InstrumentedContext, err error) error {
	e := AsError(err)
	if e == nil {
		e = NewInternalError("unexpected error", err)
		err = e
	}
	o.tel.Metrics.RecordError(string(e.Class), e.Code)
	ic.Span.SetAttributes(
		telemetry.AttrErrorClass.String(string(e.Class)),
		telemetry.AttrErrorCode.String(e.Code),
	)
	logger := ic.Logger.WithError(err).WithField("code", e.Code)
	if e.Class == ErrorClassInternal {
		logger.Error("operation failed")
	} else {
		logger.Debug("operation rejected")
	}
	ic.End(err)
	return err
}

// read resolves the caller for a read-only operation.
func (o *Orchestrator) read(ctx context.Context, operation, id string) (*telemetry.InstrumentedContext, error) {
	ic := o.tel.StartOperation(o.tel.WithContext(ctx), operation, id)
	if _, err := o.identity.CurrentUser(ic.Ctx); err != nil {
		return ic, o.fail(ic, err)
	}
	return ic, nil
}

func loadTargetSource(ctx context.Context, r Reader, id string) (*TargetSource, error) {
	ts, err := r.GetTargetSource(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, NewNotFoundError("target source not found").WithTargetSource(id)
	}
	if err != nil {
		return nil, NewInternalError("failed to load target source", err)
	}
	return ts, nil
}

// RegisterRequest registers a new target source.
type RegisterRequest struct {
	Name          string        `json:"name" validate:"required,max=200"`
	ServiceCode   string        `json:"service_code" validate:"required"`
	CloudProvider CloudProvider `json:"cloud_provider" validate:"required"`

	// Plan defaults to the provider's default plan.
	Plan InstallationPlan `json:"-"`

	// Resources seeds the resource set, for providers without discovery.
	Resources []DiscoveredResource `json:"resources,omitempty"`
}

// RegisterTargetSource creates a target source at stage 1.
func (o *Orchestrator) RegisterTargetSource(ctx context.Context, req RegisterRequest) (*TargetSource, error) {
	ic := o.tel.StartOperation(o.tel.WithContext(ctx), "register_target_source", "")

	user, err := o.identity.CurrentUser(ic.Ctx)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, o.fail(ic, NewValidationError("invalid registration: "+err.Error()))
	}
	if err := req.CloudProvider.Validate(); err != nil {
		return nil, o.fail(ic, NewValidationError(err.Error()))
	}
	if !user.CanAccess(req.ServiceCode) {
		return nil, o.fail(ic, NewForbiddenError("no permission for service "+req.ServiceCode))
	}

	plan := DefaultPlan(req.CloudProvider)
	if req.Plan != nil {
		if req.Plan.Provider() != req.CloudProvider {
			return nil, o.fail(ic, NewValidationError("installation plan does not match the cloud provider"))
		}
		if p, ok := req.Plan.(AWSPlan); ok && p.Mode == "" {
			p.Mode = InstallationModeAuto
			req.Plan = p
		}
		if err := req.Plan.Validate(); err != nil {
			return nil, o.fail(ic, NewValidationError(err.Error()))
		}
		plan = req.Plan
	}

	now := o.clock.Now().UTC()
	ts := &TargetSource{
		ID:            uuid.New().String(),
		Name:          strings.TrimSpace(req.Name),
		ServiceCode:   req.ServiceCode,
		CloudProvider: req.CloudProvider,
		Plan:          plan,
		Status:        NewProjectStatus(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	seen := make(map[string]bool, len(req.Resources))
	for _, d := range req.Resources {
		if d.ResourceID == "" || seen[d.ResourceID] {
			return nil, o.fail(ic, NewValidationError("resource ids must be present and unique"))
		}
		seen[d.ResourceID] = true
		ts.Resources = append(ts.Resources, &Resource{
			ID:               uuid.New().String(),
			ResourceID:       d.ResourceID,
			Type:             d.Type,
			DatabaseType:     d.DatabaseType,
			Region:           d.Region,
			LifecycleStatus:  LifecycleDiscovered,
			ConnectionStatus: ConnectionPending,
			DiscoveredAt:     now,
			UpdatedAt:        now,
		})
	}
	ts.Refresh(InstallationFacts{})

	err = o.repo.Atomic(ic.Ctx, ts.ID, func(ctx context.Context, tx RepositoryTx) error {
		if err := tx.CreateTargetSource(ctx, ts); err != nil {
			return NewInternalError("failed to create target source", err)
		}
		return nil
	})
	if err != nil {
		return nil, o.fail(ic, err)
	}

	ic.Logger.WithTargetSourceID(ts.ID).WithProvider(string(ts.CloudProvider)).Info("target source registered")
	ic.End(nil)
	return ts, nil
}

// GetTargetSource returns a target source with its resources.
func (o *Orchestrator) GetTargetSource(ctx context.Context, id string) (*TargetSource, error) {
	ic, err := o.read(ctx, "get_target_source", id)
	if err != nil {
		return nil, err
	}
	ts, err := loadTargetSource(ic.Ctx, o.repo, id)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	ic.End(nil)
	return ts, nil
}

// ListTargetSources lists target sources matching filter.
func (o *Orchestrator) ListTargetSources(ctx context.Context, filter TargetSourceFilter) ([]*TargetSource, error) {
	ic, err := o.read(ctx, "list_target_sources", "")
	if err != nil {
		return nil, err
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, o.fail(ic, NewValidationError("limit and offset must not be negative"))
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	list, err := o.repo.ListTargetSources(ic.Ctx, filter)
	if err != nil {
		return nil, o.fail(ic, NewInternalError("failed to list target sources", err))
	}
	ic.End(nil)
	return list, nil
}

// UpdateInstallationPlan records operator-supplied plan facts such as a role
// ARN or subnets. The provider and the AWS mode cannot change.
func (o *Orchestrator) UpdateInstallationPlan(ctx context.Context, id string, plan InstallationPlan) (*TargetSource, error) {
	return o.mutate(ctx, "update_installation_plan", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		if plan == nil {
			return NewValidationError("installation plan is required").WithTargetSource(ts.ID)
		}
		next, err := UpdatePlan(ts.Plan, plan)
		if err != nil {
			return AsError(err).WithTargetSource(ts.ID)
		}
		ts.Plan = next
		return nil
	})
}

// ConfirmTargets confirms the listed resources and excludes every other
// non-active resource. It returns the updated target source.
func (o *Orchestrator) ConfirmTargets(ctx context.Context, id string, selectedIDs []string, vmConfigs map[string]*VMDatabaseConfig) (*TargetSource, error) {
	return o.mutate(ctx, "confirm_targets", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		selected := make(map[string]bool, len(selectedIDs))
		inputs := make([]ResourceInput, 0, len(ts.Resources))
		for _, rid := range selectedIDs {
			if selected[rid] {
				continue
			}
			selected[rid] = true
			inputs = append(inputs, ResourceInput{ResourceID: rid, Selected: true, EndpointConfig: vmConfigs[rid]})
		}
		for _, r := range ts.Resources {
			if selected[r.ID] || r.IsActive() {
				continue
			}
			reason := "not selected for integration"
			if r.Exclusion != nil && r.Exclusion.Reason != "" {
				reason = r.Exclusion.Reason
			}
			inputs = append(inputs, ResourceInput{ResourceID: r.ID, ExclusionReason: reason})
		}
		_, err := o.createRequest(ctx, tx, ts, user, inputs, fx)
		return err
	})
}

// CreateApprovalRequest confirms a resource set and returns the request,
// which is already resolved when the policy auto-approved it.
func (o *Orchestrator) CreateApprovalRequest(ctx context.Context, id string, inputs []ResourceInput) (*ApprovalRequest, error) {
	var req *ApprovalRequest
	_, err := o.mutate(ctx, "create_approval_request", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		var err error
		req, err = o.createRequest(ctx, tx, ts, user, inputs, fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (o *Orchestrator) createRequest(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, inputs []ResourceInput, fx *effects) (*ApprovalRequest, error) {
	req, err := o.approvals.CreateRequest(ctx, tx, ts, user, inputs)
	if err != nil {
		return nil, err
	}
	result := "pending"
	if req.Resolution != nil {
		result = strings.ToLower(string(req.Resolution.Result))
	}
	fx.metric(func(m *telemetry.Metrics) { m.RecordApprovalDecision(result) })
	fx.event(telemetry.EventTypeApprovalRequested, ts.ID, req.ID, "approval request created", map[string]interface{}{
		"auto_approved": req.Resolution != nil,
		"policy":        req.AutoApproval.Policy,
	})
	return req, nil
}

// Approve resolves the pending request as APPROVED. Only admins may approve;
// losing a race with another admin yields a CONFLICT.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*TargetSource, error) {
	return o.mutate(ctx, "approve", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		req, err := o.approvals.Approve(ctx, tx, ts, user)
		if err != nil {
			return err
		}
		o.resolved(fx, ts.ID, req)
		return nil
	})
}

// Reject resolves the pending request as REJECTED and rolls the target
// source back to target confirmation.
func (o *Orchestrator) Reject(ctx context.Context, id, reason string) (*TargetSource, error) {
	return o.mutate(ctx, "reject", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		req, err := o.approvals.Reject(ctx, tx, ts, user, reason)
		if err != nil {
			return err
		}
		o.resolved(fx, ts.ID, req)
		return nil
	})
}

func (o *Orchestrator) resolved(fx *effects, id string, req *ApprovalRequest) {
	result := strings.ToLower(string(req.Resolution.Result))
	fx.metric(func(m *telemetry.Metrics) { m.RecordApprovalDecision(result) })
	fx.event(telemetry.EventTypeApprovalResolved, id, req.ID, "approval request "+result, map[string]interface{}{"result": string(req.Resolution.Result)})
}

// Cancel withdraws the pending request and returns to target confirmation.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*TargetSource, error) {
	return o.mutate(ctx, "cancel", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		if err := o.approvals.Cancel(ctx, tx, ts, user); err != nil {
			return err
		}
		fx.metric(func(m *telemetry.Metrics) { m.RecordApprovalDecision("cancelled") })
		fx.event(telemetry.EventTypeApprovalCancelled, ts.ID, "", "approval request cancelled", nil)
		return nil
	})
}

// RunScan starts a discovery job. With force, the cooldown is ignored and an
// in-flight job is superseded.
func (o *Orchestrator) RunScan(ctx context.Context, id string, force bool) (*ScanJob, error) {
	var job *ScanJob
	_, err := o.mutate(ctx, "run_scan", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		active, err := activeScan(ctx, tx, id)
		if err != nil {
			return err
		}
		if active != nil {
			finished, err := o.advance(ctx, tx, ts, active, fx)
			if err != nil {
				return err
			}
			if finished {
				active = nil
			}
		}
		last, err := lastScan(ctx, tx, id)
		if err != nil {
			return err
		}

		v := o.scans.Validate(ts, active, last, force)
		if err := v.Err(); err != nil {
			return AsError(err).WithTargetSource(ts.ID)
		}

		if active != nil {
			o.scans.Supersede(active)
			if err := tx.SaveScanJob(ctx, active); err != nil {
				return NewInternalError("failed to save superseded scan job", err)
			}
			if err := o.scans.recordFinished(ctx, tx, ts, active); err != nil {
				return err
			}
			o.scanFinished(fx, ts, active)
		}

		job = o.scans.Create(ts, user.Actor())
		if err := tx.SaveScanJob(ctx, job); err != nil {
			return NewInternalError("failed to save scan job", err)
		}
		provider := string(ts.CloudProvider)
		fx.metric(func(m *telemetry.Metrics) { m.RecordScanStarted(provider, force) })
		fx.event(telemetry.EventTypeScanStarted, ts.ID, job.ID, "scan started", map[string]interface{}{"force": force})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// advance ticks an active job inside the caller's scope and persists it.
func (o *Orchestrator) advance(ctx context.Context, tx RepositoryTx, ts *TargetSource, job *ScanJob, fx *effects) (bool, error) {
	outcome, err := o.scans.Advance(ctx, tx, ts, job)
	if err != nil {
		return false, err
	}
	if outcome == ScanUnchanged {
		return false, nil
	}
	if err := tx.SaveScanJob(ctx, job); err != nil {
		return false, NewInternalError("failed to save scan job", err)
	}
	if outcome != ScanFinished {
		return false, nil
	}
	o.scanFinished(fx, ts, job)
	return true, nil
}

func (o *Orchestrator) scanFinished(fx *effects, ts *TargetSource, job *ScanJob) {
	provider, status := string(ts.CloudProvider), string(job.Status)
	duration := job.CompletedAt.Sub(job.StartedAt)
	fx.metric(func(m *telemetry.Metrics) { m.RecordScanFinished(provider, status, duration) })

	if job.Status == ScanStatusFailed {
		fx.event(telemetry.EventTypeScanFailed, ts.ID, job.ID, job.Error.Message, map[string]interface{}{"error_code": job.Error.Code})
		return
	}
	fx.event(telemetry.EventTypeScanCompleted, ts.ID, job.ID, "scan completed", map[string]interface{}{
		"total_found": job.Result.TotalFound,
		"new_found":   job.Result.NewFound,
		"removed":     job.Result.Removed,
	})
}

// advanceScan advances the active job of a target source, if any. It runs on
// behalf of the system and performs no permission check.
func (o *Orchestrator) advanceScan(ctx context.Context, id string) error {
	var (
		fx       effects
		from, to ProcessStatus
	)
	err := o.repo.Atomic(ctx, id, func(ctx context.Context, tx RepositoryTx) error {
		fx = effects{}
		job, err := activeScan(ctx, tx, id)
		if err != nil || job == nil {
			return err
		}
		ts, err := loadTargetSource(ctx, tx, id)
		if err != nil {
			return err
		}
		from = ts.ProcessStatus
		finished, err := o.advance(ctx, tx, ts, job, &fx)
		if err != nil || !finished {
			to = from
			return err
		}
		if err := o.persist(ctx, tx, ts); err != nil {
			return err
		}
		to = ts.ProcessStatus
		return nil
	})
	if err != nil {
		return err
	}
	o.emit(id, from, to, fx)
	return nil
}

// TickScans advances every active scan job once.
func (o *Orchestrator) TickScans(ctx context.Context) error {
	jobs, err := o.repo.ListActiveScanJobs(ctx)
	if err != nil {
		return NewInternalError("failed to list active scan jobs", err)
	}
	var errs []error
	for _, job := range jobs {
		if err := o.advanceScan(ctx, job.ProjectID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run advances active scan jobs every tick interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := o.tel.Logger.NewComponentLogger("scan-ticker")
	ticker := o.clock.NewTicker(o.interval)
	defer ticker.Stop()

	logger.Infof("advancing scan jobs every %s", o.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := o.TickScans(ctx); err != nil {
				logger.WithError(err).Warn("failed to advance scan jobs")
			}
		}
	}
}

// ScanStatus returns the poll-compatible scan status. A due job is finalized
// before the status is read.
func (o *Orchestrator) ScanStatus(ctx context.Context, id string) (*ScanStatusView, error) {
	ic, err := o.read(ctx, "scan_status", id)
	if err != nil {
		return nil, err
	}
	ts, err := loadTargetSource(ic.Ctx, o.repo, id)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	if err := o.advanceScan(ic.Ctx, id); err != nil {
		return nil, o.fail(ic, err)
	}

	active, err := activeScan(ic.Ctx, o.repo, id)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	last, err := lastScan(ic.Ctx, o.repo, id)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	v := o.scans.Validate(ts, active, last, false)
	ic.End(nil)
	return &ScanStatusView{
		IsScanning:        active != nil,
		CanScan:           v.Valid,
		CurrentScan:       active,
		LastCompletedScan: last,
		Validation:        v,
	}, nil
}

// ScanHistory pages the scan jobs of a target source, newest first.
func (o *Orchestrator) ScanHistory(ctx context.Context, id string, limit, offset int) ([]*ScanJob, int, error) {
	ic, err := o.read(ctx, "scan_history", id)
	if err != nil {
		return nil, 0, err
	}
	if limit < 0 || offset < 0 {
		return nil, 0, o.fail(ic, NewValidationError("limit and offset must not be negative"))
	}
	if limit == 0 {
		limit = defaultScanPageSize
	}
	if limit > maxScanPageSize {
		limit = maxScanPageSize
	}
	if _, err := loadTargetSource(ic.Ctx, o.repo, id); err != nil {
		return nil, 0, o.fail(ic, err)
	}
	jobs, total, err := o.repo.ListScanJobs(ic.Ctx, id, limit, offset)
	if err != nil {
		return nil, 0, o.fail(ic, NewInternalError("failed to list scan jobs", err))
	}
	ic.End(nil)
	return jobs, total, nil
}

// AwaitScan blocks until the target source has no active scan job and returns
// the most recently finished job. It wakes on scan completion events and
// re-polls every tick interval. A job still running after timeout yields
// SCAN_IN_PROGRESS.
func (o *Orchestrator) AwaitScan(ctx context.Context, id string, timeout time.Duration) (*ScanJob, error) {
	wake := make(chan struct{}, 1)
	unsubscribe := o.tel.Events.Subscribe(func(telemetry.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}, telemetry.All(
		telemetry.FilterByTargetSource(id),
		telemetry.FilterByType(telemetry.EventTypeScanCompleted, telemetry.EventTypeScanFailed),
	))
	defer unsubscribe()

	deadline := o.clock.NewTimer(timeout)
	defer deadline.Stop()
	ticker := o.clock.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		status, err := o.ScanStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if !status.IsScanning {
			if status.LastCompletedScan == nil {
				return nil, NewNotFoundError("no scan job").WithTargetSource(id)
			}
			return status.LastCompletedScan, nil
		}

		select {
		case <-ctx.Done():
			return nil, NewTransientError("waiting for scan aborted", ctx.Err()).WithTargetSource(id)
		case <-deadline.Chan():
			return nil, NewConflictError(ErrCodeScanInProgress, "scan did not finish before the timeout").
				WithTargetSource(id).
				WithDetail("existing_scan_id", status.CurrentScan.ID)
		case <-wake:
		case <-ticker.Chan():
		}
	}
}

func activeScan(ctx context.Context, r Reader, id string) (*ScanJob, error) {
	job, err := r.GetActiveScanJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewInternalError("failed to load active scan job", err)
	}
	return job, nil
}

func lastScan(ctx context.Context, r Reader, id string) (*ScanJob, error) {
	job, err := r.GetLastTerminalScanJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewInternalError("failed to load last scan job", err)
	}
	return job, nil
}

// CheckInstallation re-validates installation preconditions and advances the
// installation phases. A missing prerequisite returns VALIDATION_FAILED with
// a remediation guide and changes nothing.
func (o *Orchestrator) CheckInstallation(ctx context.Context, id string) (*InstallationStatusView, error) {
	var run *InstallationRun
	ts, err := o.mutate(ctx, "check_installation", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		var err error
		run, err = tx.GetInstallationRun(ctx, ts.ID)
		if errors.Is(err, ErrNotFound) {
			run = nil
		} else if err != nil {
			return NewInternalError("failed to load installation run", err)
		}
		wasCompleted := ts.Status.Installation.Status == InstallationStatusCompleted
		if err := o.installs.Check(ctx, tx, ts, run, user.Actor()); err != nil {
			return err
		}

		provider, status := string(ts.CloudProvider), string(ts.Status.Installation.Status)
		fx.metric(func(m *telemetry.Metrics) { m.RecordInstallationCheck(provider, status) })
		switch {
		case ts.Status.Installation.Status == InstallationStatusFailed && run.LastError != nil:
			fx.event(telemetry.EventTypeInstallationFailed, ts.ID, "", run.LastError.Message, map[string]interface{}{"error_code": run.LastError.Code})
		case ts.Status.Installation.Status == InstallationStatusCompleted && !wasCompleted:
			fx.event(telemetry.EventTypeInstallationCompleted, ts.ID, "", "installation completed", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &InstallationStatusView{
		TargetSourceID: ts.ID,
		Status:         ts.Status.Installation.Status,
		ProcessStatus:  ts.ProcessStatus,
		Run:            run,
	}, nil
}

// InstallationStatus returns the installation facet and run without
// re-checking preconditions.
func (o *Orchestrator) InstallationStatus(ctx context.Context, id string) (*InstallationStatusView, error) {
	ic, err := o.read(ctx, "installation_status", id)
	if err != nil {
		return nil, err
	}
	ts, err := loadTargetSource(ic.Ctx, o.repo, id)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	run, err := o.repo.GetInstallationRun(ic.Ctx, id)
	if errors.Is(err, ErrNotFound) {
		run = nil
	} else if err != nil {
		return nil, o.fail(ic, NewInternalError("failed to load installation run", err))
	}
	ic.End(nil)
	return &InstallationStatusView{
		TargetSourceID: ts.ID,
		Status:         ts.Status.Installation.Status,
		ProcessStatus:  ts.ProcessStatus,
		Run:            run,
	}, nil
}

// TestConnection tests every selected resource, applying per-resource
// credential overrides.
func (o *Orchestrator) TestConnection(ctx context.Context, id string, credentials []ResourceCredential) (*ConnectionTestResult, error) {
	var result *ConnectionTestResult
	ts, err := o.mutate(ctx, "test_connection", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		for _, c := range credentials {
			if err := validate.Struct(c); err != nil {
				return NewValidationError("invalid resource credential: " + err.Error()).WithTargetSource(ts.ID)
			}
		}
		var err error
		result, err = o.tester.Run(ctx, tx, ts, credentials, user.Actor())
		if err != nil {
			return err
		}
		provider, status := string(ts.CloudProvider), string(result.Status)
		fx.metric(func(m *telemetry.Metrics) { m.RecordConnectionTest(provider, status) })
		fx.event(telemetry.EventTypeConnectionTested, ts.ID, "", "connection test "+strings.ToLower(status), map[string]interface{}{"status": status})
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.ProcessStatus = ts.ProcessStatus
	return result, nil
}

// ConfirmCompletion marks a verified target source as complete.
func (o *Orchestrator) ConfirmCompletion(ctx context.Context, id string) (*TargetSource, error) {
	return o.mutate(ctx, "confirm_completion", id, func(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, fx *effects) error {
		if ts.ProcessStatus != StageConnectionVerified {
			return NewConflictError(ErrCodeConflict, "connection has not been verified").
				WithTargetSource(ts.ID).
				WithDetail("process_status", ts.ProcessStatus.String())
		}
		now := o.clock.Now().UTC()
		ts.Status.ConnectionTest.CompletionConfirmed = true
		ts.Status.ConnectionTest.ConfirmedAt = &now
		return o.history.record(ctx, tx, ts, HistoryCompletionConfirmed, user.Actor(), nil)
	})
}

// ProcessStatusView is the stage summary of a target source.
type ProcessStatusView struct {
	TargetSourceID      string        `json:"target_source_id"`
	ProcessStatus       ProcessStatus `json:"process_status"`
	Stage               string        `json:"stage"`
	LastRejectionReason string        `json:"last_rejection_reason,omitempty"`
}

// ProcessStatus returns the current stage and the last rejection reason.
func (o *Orchestrator) ProcessStatus(ctx context.Context, id string) (*ProcessStatusView, error) {
	ic, err := o.read(ctx, "process_status", id)
	if err != nil {
		return nil, err
	}
	ts, err := loadTargetSource(ic.Ctx, o.repo, id)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	ic.End(nil)
	return &ProcessStatusView{
		TargetSourceID:      ts.ID,
		ProcessStatus:       ts.ProcessStatus,
		Stage:               ts.ProcessStatus.String(),
		LastRejectionReason: ts.LastRejectionReason,
	}, nil
}

// History pages the audit trail of a target source, newest first.
func (o *Orchestrator) History(ctx context.Context, id string, q HistoryQuery) (*HistoryPage, error) {
	ic, err := o.read(ctx, "history", id)
	if err != nil {
		return nil, err
	}
	if _, err := loadTargetSource(ic.Ctx, o.repo, id); err != nil {
		return nil, o.fail(ic, err)
	}
	page, err := o.history.Query(ic.Ctx, o.repo, id, q)
	if err != nil {
		return nil, o.fail(ic, err)
	}
	ic.End(nil)
	return page, nil
}
