package skills

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *audit.Log, *sql.DB) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := audit.NewLog(st.DB(), logger)
	return NewRegistry(st.DB(), log, logger), log, st.DB()
}

func manifest(name, version string) *Manifest {
	return &Manifest{Name: name, Version: version, Body: "instructions", Permissions: []string{"search"}}
}

func TestPublishAndConflict(t *testing.T) {
	r, log, _ := testRegistry(t)
	ctx := context.Background()

	e, err := r.Publish(ctx, "acme", manifest("summarize", "1.0.0"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if e.State != StateDraft {
		t.Errorf("state = %s, want draft", e.State)
	}

	_, err = r.Publish(ctx, "acme", manifest("summarize", "1.0.0"))
	if errkind.KindOf(err) != errkind.IdempotencyConflict {
		t.Errorf("republish = %v", err)
	}

	entries, _, err := log.Query(ctx, audit.Filter{Types: []audit.EventType{audit.EventSkillPublished}})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("publish audit entries = %d, want 1", len(entries))
	}
}

func TestPublishRejectsInvalidManifest(t *testing.T) {
	r, _, _ := testRegistry(t)
	_, err := r.Publish(context.Background(), "acme", &Manifest{Name: "x"})
	if errkind.KindOf(err) != errkind.Validation {
		t.Errorf("err = %v", err)
	}
}

func promote(t *testing.T, r *Registry, name, version string, to State) {
	t.Helper()
	if err := r.Transition(context.Background(), "acme", name, version, to, "alex"); err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Publish(ctx, "acme", manifest("summarize", "1.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A draft cannot jump straight to active.
	err := r.Transition(ctx, "acme", "summarize", "1.0.0", StateActive, "alex")
	if errkind.KindOf(err) != errkind.Validation {
		t.Fatalf("draft->active = %v", err)
	}

	for _, to := range []State{StateTested, StateApproved, StateActive} {
		promote(t, r, "summarize", "1.0.0", to)
	}
	e, err := r.GetVersion(ctx, "summarize", "1.0.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.State != StateActive {
		t.Errorf("state = %s", e.State)
	}

	// Deprecation is reachable from any live state and is terminal.
	promote(t, r, "summarize", "1.0.0", StateDeprecated)
	err = r.Transition(ctx, "acme", "summarize", "1.0.0", StateActive, "alex")
	if errkind.KindOf(err) != errkind.Validation {
		t.Errorf("deprecated->active = %v", err)
	}

	err = r.Transition(ctx, "acme", "summarize", "1.0.0", State("shipped"), "alex")
	if errkind.KindOf(err) != errkind.Validation {
		t.Errorf("unknown state = %v", err)
	}
}

func TestGetPrefersActiveOverApproved(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.1.0"} {
		if _, err := r.Publish(ctx, "acme", manifest("summarize", v)); err != nil {
			t.Fatalf("publish %s: %v", v, err)
		}
	}
	for _, to := range []State{StateTested, StateApproved, StateActive} {
		promote(t, r, "summarize", "1.0.0", to)
	}
	for _, to := range []State{StateTested, StateApproved} {
		promote(t, r, "summarize", "1.1.0", to)
	}

	e, err := r.Get(ctx, "summarize")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Manifest.Version != "1.0.0" || e.State != StateActive {
		t.Errorf("resolved %s@%s (%s), want active 1.0.0", e.Manifest.Name, e.Manifest.Version, e.State)
	}

	if _, err := r.Get(ctx, "nonexistent"); errkind.KindOf(err) != errkind.NotFound {
		t.Errorf("unknown skill = %v", err)
	}
}

func TestGetAnyStatePicksNewestVersion(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()
	for _, v := range []string{"1.2.0", "1.10.0", "1.9.0"} {
		if _, err := r.Publish(ctx, "acme", manifest("summarize", v)); err != nil {
			t.Fatalf("publish %s: %v", v, err)
		}
	}
	e, err := r.GetAnyState(ctx, "summarize")
	if err != nil {
		t.Fatalf("get any: %v", err)
	}
	if e.Manifest.Version != "1.10.0" {
		t.Errorf("version = %s, want 1.10.0 (numeric ordering)", e.Manifest.Version)
	}
}

func TestAdmitForExecution(t *testing.T) {
	r, log, _ := testRegistry(t)
	ctx := context.Background()
	if _, err := r.Publish(ctx, "acme", manifest("summarize", "1.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	e, _ := r.GetVersion(ctx, "summarize", "1.0.0")
	if err := r.AdmitForExecution(ctx, "acme", "tr_1", e); errkind.KindOf(err) != errkind.PermissionDenied {
		t.Errorf("draft admission = %v", err)
	}

	for _, to := range []State{StateTested, StateApproved, StateActive} {
		promote(t, r, "summarize", "1.0.0", to)
	}
	e, _ = r.GetVersion(ctx, "summarize", "1.0.0")
	if err := r.AdmitForExecution(ctx, "acme", "tr_1", e); err != nil {
		t.Errorf("active admission = %v", err)
	}

	promote(t, r, "summarize", "1.0.0", StateDeprecated)
	e, _ = r.GetVersion(ctx, "summarize", "1.0.0")
	if err := r.AdmitForExecution(ctx, "acme", "tr_2", e); err != nil {
		t.Errorf("deprecated admission = %v", err)
	}
	entries, _, err := log.Query(ctx, audit.Filter{Types: []audit.EventType{audit.EventSkillDeprecatedUsed}})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 1 || entries[0].TraceID != "tr_2" {
		t.Errorf("deprecated-use audit = %+v", entries)
	}
}

func TestByState(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta"} {
		if _, err := r.Publish(ctx, "acme", manifest(name, "1.0.0")); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}
	promote(t, r, "beta", "1.0.0", StateTested)

	drafts, err := r.ByState(ctx, StateDraft)
	if err != nil {
		t.Fatalf("by state: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Manifest.Name != "alpha" {
		t.Errorf("drafts = %+v", drafts)
	}
}
