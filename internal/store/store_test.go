package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not re-run migrations destructively.
	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	for _, table := range []string{
		"traces", "trace_annotations", "audit_log", "skill_registry",
		"tenant_budgets", "tenant_retention_policies",
		"workspace_versions", "workspace_pins", "workspace_environments",
		"eval_results", "migrations",
	} {
		var name string
		err := st.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_pins (workspace_id, environment, version_hash, updated_at)
			VALUES ('ws', 'dev', 'h1', CURRENT_TIMESTAMP)`)
		return err
	})
	if err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	boom := errors.New("boom")
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_pins (workspace_id, environment, version_hash, updated_at)
			VALUES ('ws', 'prod', 'h2', CURRENT_TIMESTAMP)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error = %v", err)
	}

	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM workspace_pins`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("pins = %d, rollback must discard the second insert", count)
	}
}
