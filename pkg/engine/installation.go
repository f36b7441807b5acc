package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// InstallConfig configures installation checks.
type InstallConfig struct {
	// Workers bounds concurrent per-resource apply calls.
	Workers int
}

// InstallationStatusView is returned by installation checks and status queries.
type InstallationStatusView struct {
	TargetSourceID string             `json:"target_source_id"`
	Status         InstallationStatus `json:"status"`
	ProcessStatus  ProcessStatus      `json:"process_status"`
	Run            *InstallationRun   `json:"run,omitempty"`
}

// InstallationManager drives the two-phase installation of a target source.
type InstallationManager struct {
	clock      clockwork.Clock
	connectors Connectors
	history    *HistoryLog
	workers    int
}

// NewInstallationManager creates an installation manager.
func NewInstallationManager(cfg InstallConfig, clock clockwork.Clock, connectors Connectors, history *HistoryLog) *InstallationManager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &InstallationManager{clock: clock, connectors: connectors, history: history, workers: workers}
}

// Start begins installation of the selected, not yet active resources and
// moves them to INSTALLING.
func (m *InstallationManager) Start(ts *TargetSource) *InstallationRun {
	now := m.clock.Now().UTC()
	var ids []string
	for _, r := range ts.Resources {
		if !r.IsSelected || r.IsActive() {
			continue
		}
		r.LifecycleStatus = LifecycleInstalling
		r.UpdatedAt = now
		ids = append(ids, r.ID)
	}
	ts.Status.Installation.Status = InstallationStatusInProgress
	return NewInstallationRun(ts.ID, ts.CloudProvider, ids, now)
}

// Check re-validates external preconditions and advances the installation.
// Precondition failures return a VALIDATION_FAILED error with a guide and leave
// the run untouched. Apply failures mark the phase FAILED; the next Check retries.
func (m *InstallationManager) Check(ctx context.Context, tx RepositoryTx, ts *TargetSource, run *InstallationRun, actor Actor) error {
	if ts.Status.Installation.Status == InstallationStatusCompleted && run != nil && run.Completed() {
		return nil
	}
	if run == nil || !ts.Status.Approval.Status.IsApproved() {
		return NewConflictError(ErrCodeConflict, "installation has not been approved").WithTargetSource(ts.ID)
	}
	if ts.Plan == nil {
		panic(fmt.Sprintf("target source %s has no installation plan", ts.ID))
	}

	conn, err := m.connectors.For(ts.CloudProvider)
	if err != nil {
		return err
	}

	now := m.clock.Now().UTC()
	run.LastCheckedAt = &now
	ts.Status.Installation.Status = InstallationStatusInProgress

	if run.ServiceLevel != PhaseCompleted {
		if err := m.checkServiceLevel(ctx, conn, ts, run); err != nil {
			return err
		}
		if run.ServiceLevel == PhaseFailed {
			ts.Status.Installation.Status = InstallationStatusFailed
			return tx.SaveInstallationRun(ctx, run)
		}
	}

	if err := m.checkResources(ctx, conn, ts, run); err != nil {
		return err
	}
	run.aggregate()

	switch {
	case run.PerResource == PhaseFailed:
		ts.Status.Installation.Status = InstallationStatusFailed
	case run.Completed():
		done := m.clock.Now().UTC()
		run.CompletedAt = &done
		run.LastError = nil
		ts.Status.Installation.Status = InstallationStatusCompleted
		for _, r := range ts.Resources {
			if r.LifecycleStatus == LifecycleInstalling {
				r.LifecycleStatus = LifecycleReadyToTest
				r.UpdatedAt = done
			}
		}
		details := map[string]interface{}{"resource_count": len(run.Resources)}
		if err := m.history.record(ctx, tx, ts, HistoryInstallationCompleted, actor, details); err != nil {
			return err
		}
	}
	return tx.SaveInstallationRun(ctx, run)
}

func (m *InstallationManager) checkServiceLevel(ctx context.Context, conn Connector, ts *TargetSource, run *InstallationRun) error {
	if guide := ts.Plan.ServiceLevelGuide(); guide != nil {
		return NewPreconditionError("service-level prerequisite is missing", guide).WithTargetSource(ts.ID)
	}

	if ts.Plan.ManualServiceLevel() {
		res, err := conn.VerifyPrerequisite(ctx, ts)
		if err != nil {
			return NewTransientError("prerequisite verification failed", err).WithTargetSource(ts.ID)
		}
		if !res.Success {
			perr := NewPreconditionError(orDefault(res.Message, "service-level prerequisite is not satisfied"), res.Guide).WithTargetSource(ts.ID)
			if res.Code != "" {
				perr = perr.WithDetail("provider_code", res.Code)
			}
			return perr
		}
		run.ServiceLevel = PhaseCompleted
		return nil
	}

	run.ServiceLevel = PhaseInProgress
	res, err := conn.ApplyInfrastructure(ctx, ApplyRequest{TargetSource: ts, Scope: ApplyScopeService})
	if failure := applyFailure(res, err); failure != nil {
		run.ServiceLevel = PhaseFailed
		run.LastError = failure
		return nil
	}
	run.ServiceLevel = PhaseCompleted
	return nil
}

func (m *InstallationManager) checkResources(ctx context.Context, conn Connector, ts *TargetSource, run *InstallationRun) error {
	var pending []*Resource
	ids := make([]string, 0, len(run.Resources))
	for id := range run.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if run.Resources[id] == PhaseCompleted {
			continue
		}
		r, ok := ts.Resource(id)
		if !ok {
			delete(run.Resources, id)
			continue
		}
		if guide := ts.Plan.ResourceGuide(r); guide != nil {
			return NewPreconditionError(fmt.Sprintf("prerequisite for resource %s is missing", r.ResourceID), guide).
				WithTargetSource(ts.ID).
				WithDetail("resource_id", r.ID)
		}
		pending = append(pending, r)
	}

	failures := make([]*InstallationError, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, r := range pending {
		run.Resources[r.ID] = PhaseInProgress
		g.Go(func() error {
			res, err := conn.ApplyInfrastructure(gctx, ApplyRequest{TargetSource: ts, Scope: ApplyScopeResource, Resource: r})
			failures[i] = applyFailure(res, err)
			return nil
		})
	}
	_ = g.Wait()

	run.LastError = nil
	for i, r := range pending {
		if failures[i] != nil {
			run.Resources[r.ID] = PhaseFailed
			if run.LastError == nil {
				run.LastError = failures[i]
			}
			continue
		}
		run.Resources[r.ID] = PhaseCompleted
	}
	return nil
}

func applyFailure(res *ConnectorResult, err error) *InstallationError {
	if err != nil {
		return &InstallationError{Code: ErrCodeProviderFailed, Message: err.Error()}
	}
	if res == nil || !res.Success {
		failure := &InstallationError{Code: ErrCodeProviderFailed, Message: "infrastructure apply failed"}
		if res != nil {
			failure.Code = orDefault(res.Code, failure.Code)
			failure.Message = orDefault(res.Message, failure.Message)
			failure.Guide = res.Guide
		}
		return failure
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
