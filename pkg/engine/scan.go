package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ScanConfig configures discovery jobs.
type ScanConfig struct {
	// Cooldown is the minimum time between the end of a scan and the next one.
	Cooldown time.Duration

	// Durations are the estimated scan durations per provider.
	Durations map[CloudProvider]time.Duration

	// DefaultDuration is used for providers missing from Durations.
	DefaultDuration time.Duration
}

// DefaultScanConfig returns the scan defaults.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Cooldown: 10 * time.Minute,
		Durations: map[CloudProvider]time.Duration{
			ProviderAWS:   30 * time.Second,
			ProviderAzure: 45 * time.Second,
			ProviderGCP:   40 * time.Second,
		},
		DefaultDuration: 30 * time.Second,
	}
}

// FailureInjector decides whether a due scan job fails instead of running
// discovery. A non-nil error fails the job with that message.
type FailureInjector func(job *ScanJob) error

// ScanValidation is the outcome of validating a scan request.
type ScanValidation struct {
	Valid          bool          `json:"valid"`
	ErrorCode      string        `json:"error_code,omitempty"`
	ExistingScanID string        `json:"existing_scan_id,omitempty"`
	RetryAfter     time.Duration `json:"retry_after,omitempty"`
}

// Err converts a failed validation into a classified error.
func (v ScanValidation) Err() error {
	switch v.ErrorCode {
	case "":
		return nil
	case ErrCodeScanInProgress:
		return NewConflictError(ErrCodeScanInProgress, "a scan is already in progress").
			WithDetail("existing_scan_id", v.ExistingScanID)
	case ErrCodeCooldownActive:
		return NewThrottledError(ErrCodeCooldownActive, "scan cooldown is active").
			WithDetail("retry_after_seconds", int(v.RetryAfter.Seconds()))
	case ErrCodeUnsupportedProvider:
		return newError(ErrorClassValidation, ErrCodeUnsupportedProvider, "provider does not support resource discovery")
	default:
		return NewValidationError(v.ErrorCode)
	}
}

// ScanOutcome reports what Advance did to a job.
type ScanOutcome int

const (
	ScanUnchanged ScanOutcome = iota
	ScanProgressed
	ScanFinished
)

// ScanJobManager runs discovery jobs, one active job per target source.
type ScanJobManager struct {
	cfg        ScanConfig
	clock      clockwork.Clock
	connectors Connectors
	history    *HistoryLog
	inject     FailureInjector
}

// NewScanJobManager creates a scan job manager.
func NewScanJobManager(cfg ScanConfig, clock clockwork.Clock, connectors Connectors, history *HistoryLog) *ScanJobManager {
	return &ScanJobManager{cfg: cfg, clock: clock, connectors: connectors, history: history}
}

// SetFailureInjector installs an injector used to fail due jobs.
func (m *ScanJobManager) SetFailureInjector(f FailureInjector) {
	m.inject = f
}

// Validate checks whether a new scan may start. active is the non-terminal
// job and last the most recently finished job; either may be nil.
func (m *ScanJobManager) Validate(ts *TargetSource, active, last *ScanJob, force bool) ScanValidation {
	if !ts.CloudProvider.SupportsDiscovery() {
		return ScanValidation{ErrorCode: ErrCodeUnsupportedProvider}
	}
	if force {
		return ScanValidation{Valid: true}
	}
	if active != nil {
		return ScanValidation{ErrorCode: ErrCodeScanInProgress, ExistingScanID: active.ID}
	}
	if last != nil && last.CompletedAt != nil {
		remaining := m.cfg.Cooldown - m.clock.Since(*last.CompletedAt)
		if remaining > 0 {
			return ScanValidation{ErrorCode: ErrCodeCooldownActive, RetryAfter: remaining}
		}
	}
	return ScanValidation{Valid: true}
}

// Create starts a new job. Callers validate and create inside the same
// exclusive scope.
func (m *ScanJobManager) Create(ts *TargetSource, actor Actor) *ScanJob {
	now := m.clock.Now().UTC()
	job := &ScanJob{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ProjectID:      ts.ID,
		Provider:       ts.CloudProvider,
		Status:         ScanStatusPending,
		StartedAt:      now,
		EstimatedEndAt: now.Add(m.duration(ts.CloudProvider)),
		RequestedBy:    actor,
	}
	job.Status = ScanStatusScanning
	ts.Status.Scan.Status = ScanStatusScanning
	return job
}

// Supersede terminates a job replaced by a forced scan.
func (m *ScanJobManager) Supersede(job *ScanJob) {
	m.fail(job, ErrCodeScanSuperseded, "superseded by a forced scan")
}

// Tick advances the progress of a running job from the elapsed time. It
// returns true once the job is due for completion. Terminal jobs are never
// changed.
func (m *ScanJobManager) Tick(job *ScanJob) (progressed, due bool) {
	if job.Status.IsTerminal() {
		return false, false
	}
	if job.Status == ScanStatusPending {
		job.Status = ScanStatusScanning
		progressed = true
	}

	now := m.clock.Now()
	if !now.Before(job.EstimatedEndAt) {
		return progressed, true
	}

	total := job.EstimatedEndAt.Sub(job.StartedAt)
	progress := 0
	if total > 0 {
		progress = int(now.Sub(job.StartedAt) * 100 / total)
	}
	progress = clamp(progress, 0, 99)
	if progress > job.Progress {
		job.Progress = progress
		progressed = true
	}
	return progressed, false
}

// Advance ticks the job and, when it is due, runs discovery and finalizes it.
// Resource changes are applied to ts; the caller persists ts and job.
func (m *ScanJobManager) Advance(ctx context.Context, tx RepositoryTx, ts *TargetSource, job *ScanJob) (ScanOutcome, error) {
	progressed, due := m.Tick(job)
	if !due {
		if progressed {
			return ScanProgressed, nil
		}
		return ScanUnchanged, nil
	}

	if m.inject != nil {
		if err := m.inject(job); err != nil {
			m.fail(job, ErrCodeProviderFailed, err.Error())
			ts.Status.Scan.Status = ScanStatusFailed
			return ScanFinished, m.recordFinished(ctx, tx, ts, job)
		}
	}

	conn, err := m.connectors.For(ts.CloudProvider)
	if err != nil {
		return ScanUnchanged, err
	}
	discovered, err := conn.Discover(ctx, ts)
	if err != nil {
		m.fail(job, ErrCodeProviderFailed, err.Error())
		ts.Status.Scan.Status = ScanStatusFailed
		return ScanFinished, m.recordFinished(ctx, tx, ts, job)
	}

	result := m.merge(ts, discovered)
	now := m.clock.Now().UTC()
	job.Status = ScanStatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.Result = &result
	ts.Status.Scan.Status = ScanStatusCompleted
	return ScanFinished, m.recordFinished(ctx, tx, ts, job)
}

func (m *ScanJobManager) recordFinished(ctx context.Context, tx RepositoryTx, ts *TargetSource, job *ScanJob) error {
	details := map[string]interface{}{"scan_id": job.ID}
	typ := HistoryScanCompleted
	if job.Status == ScanStatusFailed {
		typ = HistoryScanFailed
		details["error_code"] = job.Error.Code
		details["error"] = job.Error.Message
	} else {
		details["total_found"] = job.Result.TotalFound
		details["new_found"] = job.Result.NewFound
		details["updated"] = job.Result.Updated
		details["removed"] = job.Result.Removed
	}
	actor := job.RequestedBy
	if actor.ID == "" {
		actor = SystemActor
	}
	return m.history.record(ctx, tx, ts, typ, actor, details)
}

// merge applies discovered resources to ts. Missing resources are removed
// unless they are selected or active.
func (m *ScanJobManager) merge(ts *TargetSource, discovered []DiscoveredResource) ScanResult {
	now := m.clock.Now().UTC()
	result := ScanResult{TotalFound: len(discovered)}

	seen := make(map[string]bool, len(discovered))
	byExternal := make(map[string]*Resource, len(ts.Resources))
	for _, r := range ts.Resources {
		byExternal[r.ResourceID] = r
	}

	for _, d := range discovered {
		if seen[d.ResourceID] {
			continue
		}
		seen[d.ResourceID] = true

		if r, ok := byExternal[d.ResourceID]; ok {
			if r.Type != d.Type || r.DatabaseType != d.DatabaseType || r.Region != d.Region {
				r.Type = d.Type
				r.DatabaseType = d.DatabaseType
				r.Region = d.Region
				r.UpdatedAt = now
				result.Updated++
			}
			continue
		}

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
		result.NewFound++
	}

	kept := ts.Resources[:0]
	for _, r := range ts.Resources {
		if !seen[r.ResourceID] && !r.IsSelected && !r.IsActive() {
			result.Removed++
			continue
		}
		kept = append(kept, r)
	}
	ts.Resources = kept
	return result
}

func (m *ScanJobManager) fail(job *ScanJob, code, message string) {
	now := m.clock.Now().UTC()
	job.Status = ScanStatusFailed
	job.CompletedAt = &now
	job.Error = &ScanError{Code: code, Message: message}
}

func (m *ScanJobManager) duration(p CloudProvider) time.Duration {
	if d, ok := m.cfg.Durations[p]; ok && d > 0 {
		return d
	}
	if m.cfg.DefaultDuration > 0 {
		return m.cfg.DefaultDuration
	}
	return 30 * time.Second
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScanStatusView is the poll-compatible scan status of a target source.
type ScanStatusView struct {
	IsScanning        bool           `json:"is_scanning"`
	CanScan           bool           `json:"can_scan"`
	CurrentScan       *ScanJob       `json:"current_scan,omitempty"`
	LastCompletedScan *ScanJob       `json:"last_completed_scan,omitempty"`
	Validation        ScanValidation `json:"validation"`
}
