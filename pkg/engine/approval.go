package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var validate = validator.New()

// ApprovalWorkflow creates and resolves approval requests. At most one
// request per target source is pending at any time.
type ApprovalWorkflow struct {
	policy   AutoApprovalPolicy
	clock    clockwork.Clock
	history  *HistoryLog
	installs *InstallationManager
}

// NewApprovalWorkflow creates an approval workflow.
func NewApprovalWorkflow(policy AutoApprovalPolicy, clock clockwork.Clock, history *HistoryLog, installs *InstallationManager) *ApprovalWorkflow {
	if policy == nil {
		policy = NewDefaultAutoApprovalPolicy(nil)
	}
	return &ApprovalWorkflow{policy: policy, clock: clock, history: history, installs: installs}
}

// CreateRequest confirms a resource set and either auto-approves it or parks
// it for an admin decision.
func (w *ApprovalWorkflow) CreateRequest(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, inputs []ResourceInput) (*ApprovalRequest, error) {
	if pending, err := tx.GetPendingApprovalRequest(ctx, ts.ID); err == nil {
		return nil, NewConflictError(ErrCodeConflictRequestPending, "an approval request is already pending").
			WithTargetSource(ts.ID).
			WithDetail("request_id", pending.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, NewInternalError("failed to load pending approval request", err)
	}
	if ts.Status.Installation.Status == InstallationStatusInProgress {
		return nil, NewConflictError(ErrCodeConflictApplyingInProgress, "installation is in progress").WithTargetSource(ts.ID)
	}
	if err := validateInputs(ts, inputs); err != nil {
		return nil, err.WithTargetSource(ts.ID)
	}

	decision := w.policy.Evaluate(ctx, BuildAutoApprovalInput(ts, inputs))

	now := w.clock.Now().UTC()
	actor := user.Actor()
	added, excluded := w.applyInputs(ts, inputs, actor)

	ts.Status.Targets.Confirmed = true
	ts.Status.Targets.SelectedCount, ts.Status.Targets.ExcludedCount = countSelection(ts)
	ts.Status.Approval = ApprovalFacet{}
	ts.Status.ConnectionTest = ConnectionTestFacet{Status: ConnectionTestNotTested}
	ts.LastRejectionReason = ""

	req := &ApprovalRequest{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TargetSourceID: ts.ID,
		RequestedAt:    now,
		RequestedBy:    actor,
		InputData:      ApprovalInputData{ResourceInputs: inputs},
		AutoApproval:   &decision,
	}

	if err := w.history.record(ctx, tx, ts, HistoryTargetConfirmed, actor, map[string]interface{}{
		"request_id":     req.ID,
		"selected_count": ts.Status.Targets.SelectedCount,
		"excluded_count": ts.Status.Targets.ExcludedCount,
	}); err != nil {
		return nil, err
	}
	for _, r := range added {
		if err := w.history.record(ctx, tx, ts, HistoryResourceAdd, actor, map[string]interface{}{"resource_id": r.ID, "external_id": r.ResourceID}); err != nil {
			return nil, err
		}
	}
	for _, r := range excluded {
		if err := w.history.record(ctx, tx, ts, HistoryResourceExclude, actor, map[string]interface{}{"resource_id": r.ID, "external_id": r.ResourceID, "reason": r.Exclusion.Reason}); err != nil {
			return nil, err
		}
	}

	if decision.ShouldAutoApprove {
		req.Resolution = &Resolution{Result: ApprovalResultAutoApproved, ProcessedAt: now}
		ts.Status.Approval = ApprovalFacet{Status: ApprovalStatusAutoApproved, ApprovedAt: &now}
		run := w.installs.Start(ts)
		if err := tx.SaveInstallationRun(ctx, run); err != nil {
			return nil, NewInternalError("failed to save installation run", err)
		}
		if err := w.history.record(ctx, tx, ts, HistoryAutoApproved, SystemActor, map[string]interface{}{
			"request_id": req.ID,
			"policy":     decision.Policy,
		}); err != nil {
			return nil, err
		}
	} else {
		ts.Status.Approval = ApprovalFacet{Status: ApprovalStatusPending}
		ts.Status.Installation.Status = InstallationStatusPending
	}

	if err := tx.SaveApprovalRequest(ctx, req); err != nil {
		return nil, NewInternalError("failed to save approval request", err)
	}
	return req, nil
}

// Approve resolves the pending request as APPROVED and starts installation.
func (w *ApprovalWorkflow) Approve(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User) (*ApprovalRequest, error) {
	if user.Role != RoleAdmin {
		return nil, NewForbiddenError("only admins can approve requests").WithTargetSource(ts.ID)
	}
	req, err := w.pendingForDecision(ctx, tx, ts)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now().UTC()
	actor := user.Actor()
	req.Resolution = &Resolution{Result: ApprovalResultApproved, ProcessedAt: now, ProcessedBy: &actor}
	ts.Status.Approval = ApprovalFacet{Status: ApprovalStatusApproved, ApprovedAt: &now}

	run := w.installs.Start(ts)
	if err := tx.SaveInstallationRun(ctx, run); err != nil {
		return nil, NewInternalError("failed to save installation run", err)
	}
	if err := tx.SaveApprovalRequest(ctx, req); err != nil {
		return nil, NewInternalError("failed to save approval request", err)
	}
	if err := w.history.record(ctx, tx, ts, HistoryApproval, actor, map[string]interface{}{"request_id": req.ID}); err != nil {
		return nil, err
	}
	return req, nil
}

// Reject resolves the pending request as REJECTED. The submitted selection
// is kept so the operator can resubmit it.
func (w *ApprovalWorkflow) Reject(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User, reason string) (*ApprovalRequest, error) {
	if user.Role != RoleAdmin {
		return nil, NewForbiddenError("only admins can reject requests").WithTargetSource(ts.ID)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, NewValidationError("a rejection reason is required").WithTargetSource(ts.ID)
	}
	req, err := w.pendingForDecision(ctx, tx, ts)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now().UTC()
	actor := user.Actor()
	req.Resolution = &Resolution{Result: ApprovalResultRejected, ProcessedAt: now, ProcessedBy: &actor, Reason: reason}
	ts.Status.Approval = ApprovalFacet{Status: ApprovalStatusRejected, RejectionReason: reason}
	ts.LastRejectionReason = reason
	w.rollback(ts, now)

	if err := tx.SaveApprovalRequest(ctx, req); err != nil {
		return nil, NewInternalError("failed to save approval request", err)
	}
	if err := w.history.record(ctx, tx, ts, HistoryRejection, actor, map[string]interface{}{
		"request_id": req.ID,
		"reason":     reason,
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel withdraws the pending request. The request is deleted, not resolved.
func (w *ApprovalWorkflow) Cancel(ctx context.Context, tx RepositoryTx, ts *TargetSource, user *User) error {
	req, err := tx.GetPendingApprovalRequest(ctx, ts.ID)
	if errors.Is(err, ErrNotFound) {
		return NewNotFoundError("no pending approval request").WithTargetSource(ts.ID)
	}
	if err != nil {
		return NewInternalError("failed to load pending approval request", err)
	}

	if err := tx.DeleteApprovalRequest(ctx, req.ID); err != nil {
		return NewInternalError("failed to delete approval request", err)
	}
	ts.Status.Approval = ApprovalFacet{Status: ApprovalStatusNotRequested}
	w.rollback(ts, w.clock.Now().UTC())

	return w.history.record(ctx, tx, ts, HistoryApprovalCancelled, user.Actor(), map[string]interface{}{"request_id": req.ID})
}

// pendingForDecision returns the pending request, NOT_FOUND when the target
// source never had one, or CONFLICT when it was already resolved.
func (w *ApprovalWorkflow) pendingForDecision(ctx context.Context, tx RepositoryTx, ts *TargetSource) (*ApprovalRequest, error) {
	req, err := tx.GetPendingApprovalRequest(ctx, ts.ID)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, NewInternalError("failed to load pending approval request", err)
	}

	all, err := tx.ListApprovalRequests(ctx, ts.ID)
	if err != nil {
		return nil, NewInternalError("failed to list approval requests", err)
	}
	if len(all) == 0 {
		return nil, NewNotFoundError("no approval request").WithTargetSource(ts.ID)
	}
	return nil, NewConflictError(ErrCodeConflict, "approval request was already processed by another admin").
		WithTargetSource(ts.ID).
		WithDetail("request_id", all[0].ID)
}

// rollback returns the target source to target confirmation. Resources keep
// their selection; those waiting for approval return to DISCOVERED.
func (w *ApprovalWorkflow) rollback(ts *TargetSource, now time.Time) {
	ts.Status.Targets.Confirmed = false
	for _, r := range ts.Resources {
		if r.LifecycleStatus == LifecyclePendingApproval {
			r.LifecycleStatus = LifecycleDiscovered
			r.UpdatedAt = now
		}
	}
}

// applyInputs updates resources from the operator's decisions. Active
// resources are never changed. It returns the resources newly added to and
// newly excluded from a previous selection.
func (w *ApprovalWorkflow) applyInputs(ts *TargetSource, inputs []ResourceInput, actor Actor) (added, excluded []*Resource) {
	now := w.clock.Now().UTC()
	hadSelection := false
	for _, r := range ts.Resources {
		if r.IsSelected {
			hadSelection = true
			break
		}
	}

	for _, in := range inputs {
		r, _ := ts.Resource(in.ResourceID)
		if r.IsActive() {
			continue
		}
		wasSelected := r.IsSelected
		r.UpdatedAt = now

		if in.Selected {
			r.IsSelected = true
			r.Exclusion = nil
			r.LifecycleStatus = LifecyclePendingApproval
			if in.CredentialID != "" {
				r.SelectedCredentialID = in.CredentialID
			}
			if in.EndpointConfig != nil {
				cfg := *in.EndpointConfig
				r.VMDatabaseConfig = &cfg
			}
			if hadSelection && !wasSelected {
				added = append(added, r)
			}
			continue
		}

		r.IsSelected = false
		r.LifecycleStatus = LifecycleDiscovered
		if r.Exclusion == nil || r.Exclusion.Reason != in.ExclusionReason {
			r.Exclusion = &Exclusion{Reason: in.ExclusionReason, ExcludedAt: now, ExcludedBy: actor}
		}
		if hadSelection && wasSelected {
			excluded = append(excluded, r)
		}
	}

	// Resources not named by the inputs keep their selection.
	for _, r := range ts.Resources {
		if r.IsSelected && !r.IsActive() && r.LifecycleStatus == LifecycleDiscovered {
			r.LifecycleStatus = LifecyclePendingApproval
			r.UpdatedAt = now
		}
	}
	return added, excluded
}

func validateInputs(ts *TargetSource, inputs []ResourceInput) *Error {
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if err := validate.Struct(in); err != nil {
			return NewValidationError(fmt.Sprintf("invalid resource input: %v", err))
		}
		if seen[in.ResourceID] {
			return NewValidationError("duplicate resource input " + in.ResourceID)
		}
		seen[in.ResourceID] = true

		r, ok := ts.Resource(in.ResourceID)
		if !ok {
			return NewValidationError("unknown resource " + in.ResourceID)
		}
		if r.IsActive() {
			continue
		}
		if !in.Selected {
			if strings.TrimSpace(in.ExclusionReason) == "" {
				return NewValidationError("an exclusion reason is required for unselected resource " + in.ResourceID)
			}
			continue
		}
		if r.Type.IsVM() {
			cfg := in.EndpointConfig
			if cfg == nil {
				cfg = r.VMDatabaseConfig
			}
			if cfg == nil {
				return NewValidationError("an endpoint configuration is required for VM resource " + in.ResourceID)
			}
			if err := validate.Struct(cfg); err != nil {
				return NewValidationError(fmt.Sprintf("invalid endpoint configuration for %s: %v", in.ResourceID, err))
			}
		}
	}

	selected := 0
	for _, r := range ts.Resources {
		isSelected := r.IsSelected
		if !r.IsActive() && seen[r.ID] {
			for _, in := range inputs {
				if in.ResourceID == r.ID {
					isSelected = in.Selected
				}
			}
		}
		if isSelected || r.IsActive() {
			selected++
		}
	}
	if selected == 0 {
		return NewValidationError("at least one resource must be selected")
	}
	return nil
}

func countSelection(ts *TargetSource) (selected, excluded int) {
	for _, r := range ts.Resources {
		if r.IsSelected || r.IsActive() {
			selected++
		} else if r.Exclusion != nil {
			excluded++
		}
	}
	return selected, excluded
}
