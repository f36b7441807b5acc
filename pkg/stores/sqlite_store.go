package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/piiagent/integrator/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements engine.Repository using SQLite.
type SQLiteStore struct {
	queries
	db    *sql.DB
	cfg   Config
	locks *keyedMutex
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:   cfg,
		locks: newKeyedMutex(),
	}, nil
}

// OpenSQLite creates, initializes and migrates a store.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return "file:" + s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.queries = queries{q: db}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version.
func (s *SQLiteStore) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Atomic implements engine.Repository. Scopes of one target source are
// serialized by a keyed lock and run in a single transaction.
func (s *SQLiteStore) Atomic(ctx context.Context, targetSourceID string, fn func(ctx context.Context, tx engine.RepositoryTx) error) error {
	unlock, err := s.locks.Lock(ctx, targetSourceID)
	if err != nil {
		return fmt.Errorf("failed to lock target source %s: %w", targetSourceID, err)
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL shared by the store and its transactions.
type queries struct {
	q querier
}

const targetSourceColumns = `id, name, service_code, cloud_provider, process_status, status,
	installation_plan, last_rejection_reason, created_at, updated_at`

// CreateTargetSource creates a target source with its resources.
func (s queries) CreateTargetSource(ctx context.Context, ts *engine.TargetSource) error {
	status, plan, err := encodeTargetSource(ts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO target_sources (` + targetSourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.q.ExecContext(ctx, query,
		ts.ID,
		ts.Name,
		ts.ServiceCode,
		string(ts.CloudProvider),
		int(ts.ProcessStatus),
		status,
		plan,
		ts.LastRejectionReason,
		toNanos(ts.CreatedAt),
		toNanos(ts.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create target source: %w", err)
	}

	return s.insertResources(ctx, ts)
}

// SaveTargetSource updates a target source and replaces its resources.
func (s queries) SaveTargetSource(ctx context.Context, ts *engine.TargetSource) error {
	status, plan, err := encodeTargetSource(ts)
	if err != nil {
		return err
	}

	query := `
		UPDATE target_sources
		SET name = ?, process_status = ?, status = ?, installation_plan = ?,
			last_rejection_reason = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.q.ExecContext(ctx, query,
		ts.Name,
		int(ts.ProcessStatus),
		status,
		plan,
		ts.LastRejectionReason,
		toNanos(ts.UpdatedAt),
		ts.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update target source: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	if _, err := s.q.ExecContext(ctx, `DELETE FROM resources WHERE target_source_id = ?`, ts.ID); err != nil {
		return fmt.Errorf("failed to clear resources: %w", err)
	}
	return s.insertResources(ctx, ts)
}

func (s queries) insertResources(ctx context.Context, ts *engine.TargetSource) error {
	query := `
		INSERT INTO resources (
			id, target_source_id, position, resource_id, type, database_type, region,
			is_selected, lifecycle_status, connection_status, selected_credential_id,
			exclusion, vm_database_config, discovered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, r := range ts.Resources {
		exclusion, err := encodeOptional(r.Exclusion)
		if err != nil {
			return err
		}
		vmConfig, err := encodeOptional(r.VMDatabaseConfig)
		if err != nil {
			return err
		}
		_, err = s.q.ExecContext(ctx, query,
			r.ID,
			ts.ID,
			i,
			r.ResourceID,
			string(r.Type),
			r.DatabaseType,
			r.Region,
			r.IsSelected,
			string(r.LifecycleStatus),
			string(r.ConnectionStatus),
			r.SelectedCredentialID,
			exclusion,
			vmConfig,
			toNanos(r.DiscoveredAt),
			toNanos(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert resource %s: %w", r.ResourceID, err)
		}
	}
	return nil
}

// GetTargetSource retrieves a target source with its resources.
func (s queries) GetTargetSource(ctx context.Context, id string) (*engine.TargetSource, error) {
	query := `SELECT ` + targetSourceColumns + ` FROM target_sources WHERE id = ?`

	ts, err := scanTargetSource(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target source: %w", err)
	}

	if err := s.loadResources(ctx, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// ListTargetSources lists target sources oldest first.
func (s queries) ListTargetSources(ctx context.Context, filter engine.TargetSourceFilter) ([]*engine.TargetSource, error) {
	var (
		where []string
		args  []any
	)
	if filter.ServiceCode != "" {
		where = append(where, "service_code = ?")
		args = append(args, filter.ServiceCode)
	}
	if filter.CloudProvider != "" {
		where = append(where, "cloud_provider = ?")
		args = append(args, string(filter.CloudProvider))
	}

	query := `SELECT ` + targetSourceColumns + ` FROM target_sources`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(filter.Limit), filter.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list target sources: %w", err)
	}
	defer rows.Close()

	list := []*engine.TargetSource{}
	for rows.Next() {
		ts, err := scanTargetSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target source: %w", err)
		}
		list = append(list, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating target sources: %w", err)
	}
	rows.Close()

	for _, ts := range list {
		if err := s.loadResources(ctx, ts); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s queries) loadResources(ctx context.Context, ts *engine.TargetSource) error {
	query := `
		SELECT id, resource_id, type, database_type, region, is_selected, lifecycle_status,
			connection_status, selected_credential_id, exclusion, vm_database_config,
			discovered_at, updated_at
		FROM resources
		WHERE target_source_id = ?
		ORDER BY position
	`
	rows, err := s.q.QueryContext(ctx, query, ts.ID)
	if err != nil {
		return fmt.Errorf("failed to load resources: %w", err)
	}
	defer rows.Close()

	ts.Resources = []*engine.Resource{}
	for rows.Next() {
		var (
			r                       engine.Resource
			typ, lifecycle, connSt  string
			exclusion, vmConfig     sql.NullString
			discoveredAt, updatedAt int64
		)
		err := rows.Scan(
			&r.ID,
			&r.ResourceID,
			&typ,
			&r.DatabaseType,
			&r.Region,
			&r.IsSelected,
			&lifecycle,
			&connSt,
			&r.SelectedCredentialID,
			&exclusion,
			&vmConfig,
			&discoveredAt,
			&updatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan resource: %w", err)
		}
		r.Type = engine.ResourceType(typ)
		r.LifecycleStatus = engine.LifecycleStatus(lifecycle)
		r.ConnectionStatus = engine.ConnectionStatus(connSt)
		r.DiscoveredAt = fromNanos(discoveredAt)
		r.UpdatedAt = fromNanos(updatedAt)
		if r.Exclusion, err = decodeOptional[engine.Exclusion](exclusion); err != nil {
			return err
		}
		if r.VMDatabaseConfig, err = decodeOptional[engine.VMDatabaseConfig](vmConfig); err != nil {
			return err
		}
		ts.Resources = append(ts.Resources, &r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating resources: %w", err)
	}
	return nil
}

const approvalColumns = `id, target_source_id, requested_at, requested_by, input_data, auto_approval, resolution`

// SaveApprovalRequest inserts or updates an approval request.
func (s queries) SaveApprovalRequest(ctx context.Context, req *engine.ApprovalRequest) error {
	requestedBy, err := json.Marshal(req.RequestedBy)
	if err != nil {
		return fmt.Errorf("failed to marshal requester: %w", err)
	}
	inputData, err := json.Marshal(req.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal input data: %w", err)
	}
	autoApproval, err := encodeOptional(req.AutoApproval)
	if err != nil {
		return err
	}
	resolution, err := encodeOptional(req.Resolution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests (id, target_source_id, pending, requested_at, requested_by, input_data, auto_approval, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			pending = excluded.pending,
			auto_approval = excluded.auto_approval,
			resolution = excluded.resolution
	`
	_, err = s.q.ExecContext(ctx, query,
		req.ID,
		req.TargetSourceID,
		req.IsPending(),
		toNanos(req.RequestedAt),
		string(requestedBy),
		string(inputData),
		autoApproval,
		resolution,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

// DeleteApprovalRequest removes a pending request.
func (s queries) DeleteApprovalRequest(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM approval_requests WHERE id = ? AND pending = 1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete approval request: %w", err)
	}
	return requireRow(result)
}

// GetPendingApprovalRequest retrieves the unresolved request of a target source.
func (s queries) GetPendingApprovalRequest(ctx context.Context, targetSourceID string) (*engine.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE target_source_id = ? AND pending = 1`

	req, err := scanApprovalRequest(s.q.QueryRowContext(ctx, query, targetSourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval request: %w", err)
	}
	return req, nil
}

// ListApprovalRequests lists the requests of a target source, newest first.
func (s queries) ListApprovalRequests(ctx context.Context, targetSourceID string) ([]*engine.ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE target_source_id = ?
		ORDER BY requested_at DESC, id DESC
	`
	rows, err := s.q.QueryContext(ctx, query, targetSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	list := []*engine.ApprovalRequest{}
	for rows.Next() {
		req, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}
	return list, nil
}

const scanJobColumns = `id, target_source_id, provider, status, progress, started_at, estimated_end_at,
	completed_at, result, error, requested_by`

// SaveScanJob inserts or updates a scan job.
func (s queries) SaveScanJob(ctx context.Context, job *engine.ScanJob) error {
	result, err := encodeOptional(job.Result)
	if err != nil {
		return err
	}
	scanErr, err := encodeOptional(job.Error)
	if err != nil {
		return err
	}
	requestedBy, err := json.Marshal(job.RequestedBy)
	if err != nil {
		return fmt.Errorf("failed to marshal requester: %w", err)
	}

	query := `
		INSERT INTO scan_jobs (
			id, target_source_id, provider, status, active, progress, started_at,
			estimated_end_at, completed_at, result, error, requested_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			active = excluded.active,
			progress = excluded.progress,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error
	`
	_, err = s.q.ExecContext(ctx, query,
		job.ID,
		job.ProjectID,
		string(job.Provider),
		string(job.Status),
		!job.Status.IsTerminal(),
		job.Progress,
		toNanos(job.StartedAt),
		toNanos(job.EstimatedEndAt),
		toNullNanos(job.CompletedAt),
		result,
		scanErr,
		string(requestedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save scan job: %w", err)
	}
	return nil
}

// GetActiveScanJob retrieves the non-terminal scan job of a target source.
func (s queries) GetActiveScanJob(ctx context.Context, targetSourceID string) (*engine.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE target_source_id = ? AND active = 1`
	return s.getScanJob(ctx, query, targetSourceID)
}

// GetLastTerminalScanJob retrieves the most recently finished scan job.
func (s queries) GetLastTerminalScanJob(ctx context.Context, targetSourceID string) (*engine.ScanJob, error) {
	query := `
		SELECT ` + scanJobColumns + `
		FROM scan_jobs
		WHERE target_source_id = ? AND active = 0 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC, id DESC
		LIMIT 1
	`
	return s.getScanJob(ctx, query, targetSourceID)
}

func (s queries) getScanJob(ctx context.Context, query string, args ...any) (*engine.ScanJob, error) {
	job, err := scanScanJob(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan job: %w", err)
	}
	return job, nil
}

// ListScanJobs pages the scan jobs of a target source, newest first.
func (s queries) ListScanJobs(ctx context.Context, targetSourceID string, limit, offset int) ([]*engine.ScanJob, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_jobs WHERE target_source_id = ?`, targetSourceID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count scan jobs: %w", err)
	}

	query := `
		SELECT ` + scanJobColumns + `
		FROM scan_jobs
		WHERE target_source_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	jobs, err := s.listScanJobs(ctx, query, targetSourceID, limitOrAll(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListActiveScanJobs lists non-terminal scan jobs across all target sources.
func (s queries) ListActiveScanJobs(ctx context.Context) ([]*engine.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE active = 1 ORDER BY started_at, id`
	return s.listScanJobs(ctx, query)
}

func (s queries) listScanJobs(ctx context.Context, query string, args ...any) ([]*engine.ScanJob, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*engine.ScanJob{}
	for rows.Next() {
		job, err := scanScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan jobs: %w", err)
	}
	return jobs, nil
}

// SaveInstallationRun inserts or replaces the installation run of a target source.
func (s queries) SaveInstallationRun(ctx context.Context, run *engine.InstallationRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal installation run: %w", err)
	}

	query := `
		INSERT INTO installation_runs (target_source_id, provider, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (target_source_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`
	_, err = s.q.ExecContext(ctx, query, run.TargetSourceID, string(run.Provider), string(data), toNanos(run.UpdatedAt()))
	if err != nil {
		return fmt.Errorf("failed to save installation run: %w", err)
	}
	return nil
}

// GetInstallationRun retrieves the installation run of a target source.
func (s queries) GetInstallationRun(ctx context.Context, targetSourceID string) (*engine.InstallationRun, error) {
	var data string
	err := s.q.QueryRowContext(ctx, `SELECT data FROM installation_runs WHERE target_source_id = ?`, targetSourceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation run: %w", err)
	}

	var run engine.InstallationRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal installation run: %w", err)
	}
	return &run, nil
}

// AppendHistory appends a history entry.
func (s queries) AppendHistory(ctx context.Context, entry *engine.HistoryEntry) error {
	details, err := encodeOptional(mapOrNil(entry.Details))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO project_history (id, target_source_id, type, actor_id, actor_name, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.q.ExecContext(ctx, query,
		entry.ID,
		entry.TargetSourceID,
		string(entry.Type),
		entry.Actor.ID,
		entry.Actor.Name,
		toNanos(entry.Timestamp),
		details,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// QueryHistory pages history entries ordered by (timestamp desc, id desc).
func (s queries) QueryHistory(ctx context.Context, targetSourceID string, q engine.HistoryQuery) (*engine.HistoryPage, error) {
	where := []string{"target_source_id = ?"}
	args := []any{targetSourceID}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM project_history WHERE ` + strings.Join(where, " AND ")
	if err := s.q.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}

	if q.Before != nil {
		ts := toNanos(q.Before.Timestamp)
		where = append(where, "(timestamp < ? OR (timestamp = ? AND id < ?))")
		args = append(args, ts, ts, q.Before.ID)
	}

	query := `
		SELECT id, target_source_id, type, actor_id, actor_name, timestamp, details
		FROM project_history
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limitOrAll(q.Limit), q.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	page := &engine.HistoryPage{Entries: []*engine.HistoryEntry{}, Total: total}
	for rows.Next() {
		var (
			e       engine.HistoryEntry
			typ     string
			ts      int64
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TargetSourceID, &typ, &e.Actor.ID, &e.Actor.Name, &ts, &details); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Type = engine.HistoryType(typ)
		e.Timestamp = fromNanos(ts)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history details: %w", err)
			}
		}
		page.Entries = append(page.Entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return page, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTargetSource(row rowScanner) (*engine.TargetSource, error) {
	var (
		ts                   engine.TargetSource
		provider             string
		processStatus        int
		status, plan         string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&ts.ID,
		&ts.Name,
		&ts.ServiceCode,
		&provider,
		&processStatus,
		&status,
		&plan,
		&ts.LastRejectionReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ts.CloudProvider = engine.CloudProvider(provider)
	ts.ProcessStatus = engine.ProcessStatus(processStatus)
	ts.CreatedAt = fromNanos(createdAt)
	ts.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(status), &ts.Status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project status: %w", err)
	}
	if ts.Plan, err = engine.UnmarshalPlan([]byte(plan)); err != nil {
		return nil, err
	}
	return &ts, nil
}

func encodeTargetSource(ts *engine.TargetSource) (status, plan string, err error) {
	statusJSON, err := json.Marshal(ts.Status)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal project status: %w", err)
	}
	planJSON, err := engine.MarshalPlan(ts.Plan)
	if err != nil {
		return "", "", err
	}
	return string(statusJSON), string(planJSON), nil
}

func scanApprovalRequest(row rowScanner) (*engine.ApprovalRequest, error) {
	var (
		req                      engine.ApprovalRequest
		requestedAt              int64
		requestedBy, inputData   string
		autoApproval, resolution sql.NullString
	)
	err := row.Scan(&req.ID, &req.TargetSourceID, &requestedAt, &requestedBy, &inputData, &autoApproval, &resolution)
	if err != nil {
		return nil, err
	}

	req.RequestedAt = fromNanos(requestedAt)
	if err := json.Unmarshal([]byte(requestedBy), &req.RequestedBy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requester: %w", err)
	}
	if err := json.Unmarshal([]byte(inputData), &req.InputData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input data: %w", err)
	}
	if req.AutoApproval, err = decodeOptional[engine.AutoApprovalResult](autoApproval); err != nil {
		return nil, err
	}
	if req.Resolution, err = decodeOptional[engine.Resolution](resolution); err != nil {
		return nil, err
	}
	return &req, nil
}

func scanScanJob(row rowScanner) (*engine.ScanJob, error) {
	var (
		job                 engine.ScanJob
		provider, status    string
		startedAt, estimate int64
		completedAt         sql.NullInt64
		result, scanErr     sql.NullString
		requestedBy         string
	)
	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&provider,
		&status,
		&job.Progress,
		&startedAt,
		&estimate,
		&completedAt,
		&result,
		&scanErr,
		&requestedBy,
	)
	if err != nil {
		return nil, err
	}

	job.Provider = engine.CloudProvider(provider)
	job.Status = engine.ScanStatus(status)
	job.StartedAt = fromNanos(startedAt)
	job.EstimatedEndAt = fromNanos(estimate)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		job.CompletedAt = &t
	}
	if job.Result, err = decodeOptional[engine.ScanResult](result); err != nil {
		return nil, err
	}
	if job.Error, err = decodeOptional[engine.ScanError](scanErr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(requestedBy), &job.RequestedBy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requester: %w", err)
	}
	return &job, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// encodeOptional marshals v to a nullable JSON column.
func encodeOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeOptional[T any](col sql.NullString) (*T, error) {
	if !col.Valid {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return v, nil
}

func mapOrNil(m map[string]interface{}) *map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	return &m
}

// Timestamps are stored as UTC unix nanoseconds so ordering is numeric.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
