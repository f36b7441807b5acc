package stores

import (
	"context"
	"testing"
	"time"

	"github.com/piiagent/integrator/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNewSQLiteStoreMemoryUsesSingleConnection(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath, MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected 1 open connection for %s, got %d", MemoryPath, store.cfg.MaxOpenConns)
	}
	if store.cfg.ConnMaxLifetime != 0 {
		t.Errorf("expected unlimited connection lifetime, got %s", store.cfg.ConnMaxLifetime)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"target_sources", "resources", "approval_requests", "scan_jobs", "installation_runs", "project_history"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("failed to read migration version: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty=%v)", version, dirty)
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestHistoryTableIsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ts := newTestTargetSource("ts-1")
	createTargetSource(t, store, ts)
	appendHistory(t, store, ts.ID, "h-1", baseTime)

	if _, err := store.db.ExecContext(ctx, `UPDATE project_history SET type = 'APPROVAL' WHERE id = 'h-1'`); err == nil {
		t.Error("expected update of history entry to fail")
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM project_history WHERE id = 'h-1'`); err == nil {
		t.Error("expected delete of history entry to fail")
	}
}

func TestPendingRequestUniqueIndex(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ts := newTestTargetSource("ts-1")
	createTargetSource(t, store, ts)

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, target_source_id, pending, requested_at, requested_by, input_data)
		VALUES ('a', 'ts-1', 1, 1, '{}', '{}'), ('b', 'ts-1', 1, 2, '{}', '{}')
	`)
	if err == nil {
		t.Fatal("expected second pending request to violate the unique index")
	}
}

func TestInstallationRunUpdatedAtFollowsRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ts := newTestTargetSource("ts-1")
	createTargetSource(t, store, ts)

	run := engine.NewInstallationRun(ts.ID, ts.CloudProvider, []string{"ts-1-r2"}, baseTime)
	checked := baseTime.Add(time.Hour)
	run.LastCheckedAt = &checked
	err := store.Atomic(ctx, ts.ID, func(ctx context.Context, tx engine.RepositoryTx) error {
		return tx.SaveInstallationRun(ctx, run)
	})
	if err != nil {
		t.Fatalf("SaveInstallationRun() error = %v", err)
	}

	var updatedAt int64
	if err := store.db.QueryRowContext(ctx, `SELECT updated_at FROM installation_runs WHERE target_source_id = ?`, ts.ID).Scan(&updatedAt); err != nil {
		t.Fatalf("failed to read updated_at: %v", err)
	}
	if got := fromNanos(updatedAt); !got.Equal(checked) {
		t.Errorf("updated_at = %v, want %v", got, checked)
	}
}
