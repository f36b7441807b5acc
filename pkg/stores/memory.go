package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/piiagent/integrator/pkg/engine"
)

// MemoryStore is an in-process engine.Repository. Each target source owns a
// partition; Atomic works on a copy of the partition and swaps it in when fn
// succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	locks *keyedMutex
	parts map[string]*partition
}

type partition struct {
	source   *engine.TargetSource
	requests []*engine.ApprovalRequest
	scans    []*engine.ScanJob
	run      *engine.InstallationRun
	history  []engine.HistoryEntry
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: newKeyedMutex(),
		parts: make(map[string]*partition),
	}
}

// Close implements engine.Repository.
func (s *MemoryStore) Close() error {
	return nil
}

// Atomic implements engine.Repository.
func (s *MemoryStore) Atomic(ctx context.Context, targetSourceID string, fn func(ctx context.Context, tx engine.RepositoryTx) error) error {
	unlock, err := s.locks.Lock(ctx, targetSourceID)
	if err != nil {
		return fmt.Errorf("failed to lock target source %s: %w", targetSourceID, err)
	}
	defer unlock()

	s.mu.RLock()
	current := s.parts[targetSourceID]
	s.mu.RUnlock()

	work := current.clone()
	tx := &memoryTx{store: s, id: targetSourceID, part: work}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if work.source == nil {
		return nil
	}

	s.mu.Lock()
	s.parts[targetSourceID] = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) partition(id string) *partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parts[id]
}

func (s *MemoryStore) partitions() []*partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*partition, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	return out
}

func (s *MemoryStore) GetTargetSource(_ context.Context, id string) (*engine.TargetSource, error) {
	return getTargetSource(s.partition(id))
}

func (s *MemoryStore) ListTargetSources(_ context.Context, filter engine.TargetSourceFilter) ([]*engine.TargetSource, error) {
	return listTargetSources(s.partitions(), filter), nil
}

func (s *MemoryStore) GetPendingApprovalRequest(_ context.Context, id string) (*engine.ApprovalRequest, error) {
	return getPendingApprovalRequest(s.partition(id))
}

func (s *MemoryStore) ListApprovalRequests(_ context.Context, id string) ([]*engine.ApprovalRequest, error) {
	return listApprovalRequests(s.partition(id)), nil
}

func (s *MemoryStore) GetActiveScanJob(_ context.Context, id string) (*engine.ScanJob, error) {
	return getActiveScanJob(s.partition(id))
}

func (s *MemoryStore) GetLastTerminalScanJob(_ context.Context, id string) (*engine.ScanJob, error) {
	return getLastTerminalScanJob(s.partition(id))
}

func (s *MemoryStore) ListScanJobs(_ context.Context, id string, limit, offset int) ([]*engine.ScanJob, int, error) {
	jobs, total := listScanJobs(s.partition(id), limit, offset)
	return jobs, total, nil
}

func (s *MemoryStore) ListActiveScanJobs(_ context.Context) ([]*engine.ScanJob, error) {
	return listActiveScanJobs(s.partitions()), nil
}

func (s *MemoryStore) GetInstallationRun(_ context.Context, id string) (*engine.InstallationRun, error) {
	return getInstallationRun(s.partition(id))
}

func (s *MemoryStore) QueryHistory(_ context.Context, id string, q engine.HistoryQuery) (*engine.HistoryPage, error) {
	return queryHistory(s.partition(id), q), nil
}

// memoryTx reads its own partition from the working copy and every other
// partition from the committed state.
type memoryTx struct {
	store *MemoryStore
	id    string
	part  *partition
}

func (t *memoryTx) partition(id string) *partition {
	if id == t.id {
		return t.part
	}
	return t.store.partition(id)
}

func (t *memoryTx) partitions() []*partition {
	all := t.store.partitions()
	out := make([]*partition, 0, len(all)+1)
	for _, p := range all {
		if p.source.ID != t.id {
			out = append(out, p)
		}
	}
	if t.part.source != nil {
		out = append(out, t.part)
	}
	return out
}

func (t *memoryTx) GetTargetSource(_ context.Context, id string) (*engine.TargetSource, error) {
	return getTargetSource(t.partition(id))
}

func (t *memoryTx) ListTargetSources(_ context.Context, filter engine.TargetSourceFilter) ([]*engine.TargetSource, error) {
	return listTargetSources(t.partitions(), filter), nil
}

func (t *memoryTx) GetPendingApprovalRequest(_ context.Context, id string) (*engine.ApprovalRequest, error) {
	return getPendingApprovalRequest(t.partition(id))
}

func (t *memoryTx) ListApprovalRequests(_ context.Context, id string) ([]*engine.ApprovalRequest, error) {
	return listApprovalRequests(t.partition(id)), nil
}

func (t *memoryTx) GetActiveScanJob(_ context.Context, id string) (*engine.ScanJob, error) {
	return getActiveScanJob(t.partition(id))
}

func (t *memoryTx) GetLastTerminalScanJob(_ context.Context, id string) (*engine.ScanJob, error) {
	return getLastTerminalScanJob(t.partition(id))
}

func (t *memoryTx) ListScanJobs(_ context.Context, id string, limit, offset int) ([]*engine.ScanJob, int, error) {
	jobs, total := listScanJobs(t.partition(id), limit, offset)
	return jobs, total, nil
}

func (t *memoryTx) ListActiveScanJobs(_ context.Context) ([]*engine.ScanJob, error) {
	return listActiveScanJobs(t.partitions()), nil
}

func (t *memoryTx) GetInstallationRun(_ context.Context, id string) (*engine.InstallationRun, error) {
	return getInstallationRun(t.partition(id))
}

func (t *memoryTx) QueryHistory(_ context.Context, id string, q engine.HistoryQuery) (*engine.HistoryPage, error) {
	return queryHistory(t.partition(id), q), nil
}

func (t *memoryTx) CreateTargetSource(_ context.Context, ts *engine.TargetSource) error {
	if ts.ID != t.id {
		return fmt.Errorf("target source %s created in scope of %s", ts.ID, t.id)
	}
	if t.part.source != nil {
		return fmt.Errorf("target source already exists: %s", ts.ID)
	}
	t.part.source = ts.Clone()
	return nil
}

func (t *memoryTx) SaveTargetSource(_ context.Context, ts *engine.TargetSource) error {
	if err := t.owns(ts.ID); err != nil {
		return err
	}
	t.part.source = ts.Clone()
	return nil
}

func (t *memoryTx) SaveApprovalRequest(_ context.Context, req *engine.ApprovalRequest) error {
	if err := t.owns(req.TargetSourceID); err != nil {
		return err
	}
	saved := clone(req)
	for i, r := range t.part.requests {
		if r.ID == req.ID {
			t.part.requests[i] = saved
			return nil
		}
	}
	if req.IsPending() {
		if _, err := getPendingApprovalRequest(t.part); err == nil {
			return fmt.Errorf("target source %s already has a pending approval request", t.id)
		}
	}
	t.part.requests = append(t.part.requests, saved)
	return nil
}

func (t *memoryTx) DeleteApprovalRequest(_ context.Context, id string) error {
	for i, r := range t.part.requests {
		if r.ID == id && r.IsPending() {
			t.part.requests = append(t.part.requests[:i], t.part.requests[i+1:]...)
			return nil
		}
	}
	return engine.ErrNotFound
}

func (t *memoryTx) SaveScanJob(_ context.Context, job *engine.ScanJob) error {
	if err := t.owns(job.ProjectID); err != nil {
		return err
	}
	saved := clone(job)
	for i, j := range t.part.scans {
		if j.ID == job.ID {
			t.part.scans[i] = saved
			return nil
		}
	}
	if !job.Status.IsTerminal() {
		if _, err := getActiveScanJob(t.part); err == nil {
			return fmt.Errorf("target source %s already has an active scan job", t.id)
		}
	}
	t.part.scans = append(t.part.scans, saved)
	return nil
}

func (t *memoryTx) SaveInstallationRun(_ context.Context, run *engine.InstallationRun) error {
	if err := t.owns(run.TargetSourceID); err != nil {
		return err
	}
	t.part.run = clone(run)
	return nil
}

func (t *memoryTx) AppendHistory(_ context.Context, entry *engine.HistoryEntry) error {
	if err := t.owns(entry.TargetSourceID); err != nil {
		return err
	}
	for _, h := range t.part.history {
		if h.ID == entry.ID {
			return fmt.Errorf("history entry already exists: %s", entry.ID)
		}
	}
	t.part.history = append(t.part.history, *clone(entry))
	return nil
}

func (t *memoryTx) owns(id string) error {
	if id != t.id {
		return fmt.Errorf("record of target source %s written in scope of %s", id, t.id)
	}
	if t.part.source == nil {
		return engine.ErrNotFound
	}
	return nil
}

func (p *partition) clone() *partition {
	out := &partition{}
	if p == nil {
		return out
	}
	out.source = p.source.Clone()
	for _, r := range p.requests {
		out.requests = append(out.requests, clone(r))
	}
	for _, j := range p.scans {
		out.scans = append(out.scans, clone(j))
	}
	if p.run != nil {
		out.run = clone(p.run)
	}
	out.history = append(out.history, p.history...)
	return out
}

// clone deep-copies a record through its JSON form.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	return out
}

func getTargetSource(p *partition) (*engine.TargetSource, error) {
	if p == nil || p.source == nil {
		return nil, engine.ErrNotFound
	}
	return p.source.Clone(), nil
}

func listTargetSources(parts []*partition, filter engine.TargetSourceFilter) []*engine.TargetSource {
	var out []*engine.TargetSource
	for _, p := range parts {
		ts := p.source
		if filter.ServiceCode != "" && ts.ServiceCode != filter.ServiceCode {
			continue
		}
		if filter.CloudProvider != "" && ts.CloudProvider != filter.CloudProvider {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	out = page(out, filter.Limit, filter.Offset)
	for i, ts := range out {
		out[i] = ts.Clone()
	}
	return out
}

func getPendingApprovalRequest(p *partition) (*engine.ApprovalRequest, error) {
	if p != nil {
		for _, r := range p.requests {
			if r.IsPending() {
				return clone(r), nil
			}
		}
	}
	return nil, engine.ErrNotFound
}

func listApprovalRequests(p *partition) []*engine.ApprovalRequest {
	if p == nil {
		return nil
	}
	out := make([]*engine.ApprovalRequest, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, clone(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out
}

func getActiveScanJob(p *partition) (*engine.ScanJob, error) {
	if p != nil {
		for _, j := range p.scans {
			if !j.Status.IsTerminal() {
				return clone(j), nil
			}
		}
	}
	return nil, engine.ErrNotFound
}

func getLastTerminalScanJob(p *partition) (*engine.ScanJob, error) {
	var last *engine.ScanJob
	if p != nil {
		for _, j := range p.scans {
			if !j.Status.IsTerminal() || j.CompletedAt == nil {
				continue
			}
			if last == nil || j.CompletedAt.After(*last.CompletedAt) ||
				(j.CompletedAt.Equal(*last.CompletedAt) && j.ID > last.ID) {
				last = j
			}
		}
	}
	if last == nil {
		return nil, engine.ErrNotFound
	}
	return clone(last), nil
}

func listScanJobs(p *partition, limit, offset int) ([]*engine.ScanJob, int) {
	if p == nil {
		return nil, 0
	}
	jobs := append([]*engine.ScanJob(nil), p.scans...)
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	total := len(jobs)
	jobs = page(jobs, limit, offset)
	for i, j := range jobs {
		jobs[i] = clone(j)
	}
	return jobs, total
}

func listActiveScanJobs(parts []*partition) []*engine.ScanJob {
	var out []*engine.ScanJob
	for _, p := range parts {
		if j, err := getActiveScanJob(p); err == nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func getInstallationRun(p *partition) (*engine.InstallationRun, error) {
	if p == nil || p.run == nil {
		return nil, engine.ErrNotFound
	}
	return clone(p.run), nil
}

func queryHistory(p *partition, q engine.HistoryQuery) *engine.HistoryPage {
	result := &engine.HistoryPage{Entries: []*engine.HistoryEntry{}}
	if p == nil {
		return result
	}

	var matched []*engine.HistoryEntry
	for i := range p.history {
		if q.Type != "" && p.history[i].Type != q.Type {
			continue
		}
		matched = append(matched, clone(&p.history[i]))
	}
	result.Total = len(matched)

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if q.Before != nil {
		kept := matched[:0]
		for _, h := range matched {
			if h.Timestamp.Before(q.Before.Timestamp) ||
				(h.Timestamp.Equal(q.Before.Timestamp) && h.ID < q.Before.ID) {
				kept = append(kept, h)
			}
		}
		matched = kept
	}

	result.Entries = append(result.Entries, page(matched, q.Limit, q.Offset)...)
	return result
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
