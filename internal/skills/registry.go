package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
)

// State is a skill version's lifecycle state.
type State string

const (
	StateDraft      State = "draft"
	StateTested     State = "tested"
	StateApproved   State = "approved"
	StateActive     State = "active"
	StateDeprecated State = "deprecated"
)

// stateOrder makes transitions monotonic; deprecated is terminal for
// production promotion (deprecated -> active is forbidden).
var stateOrder = map[State]int{
	StateDraft:      1,
	StateTested:     2,
	StateApproved:   3,
	StateActive:     4,
	StateDeprecated: 5,
}

// Entry is a registered skill version.
type Entry struct {
	Manifest  *Manifest `json:"manifest"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is the store-backed versioned skill registry. Inserts are
// immutable per (name, version).
type Registry struct {
	db     *sql.DB
	log    *audit.Log
	logger *slog.Logger
}

// NewRegistry builds the registry.
func NewRegistry(db *sql.DB, log *audit.Log, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, log: log, logger: logger.With("component", "skills")}
}

// Publish registers a new (name, version) in draft state. Republishing an
// existing version fails.
func (r *Registry) Publish(ctx context.Context, tenant string, m *Manifest) (*Entry, error) {
	if err := m.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "invalid manifest")
	}
	manifest, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO skill_registry (name, version, description, manifest, body, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.Version, m.Description, string(manifest), m.Body, string(StateDraft), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, errkind.New(errkind.IdempotencyConflict, "skill %s@%s already published", m.Name, m.Version)
		}
		return nil, fmt.Errorf("publish skill: %w", err)
	}

	r.log.MustRecord(ctx, audit.Entry{
		TenantID: tenant,
		Type:     audit.EventSkillPublished,
		Payload:  map[string]any{"skill": m.Name, "version": m.Version},
	})
	return &Entry{Manifest: m, State: StateDraft, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns the latest active (or, failing that, approved) version.
func (r *Registry) Get(ctx context.Context, name string) (*Entry, error) {
	entries, err := r.versions(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, wanted := range []State{StateActive, StateApproved} {
		var best *Entry
		for _, e := range entries {
			if e.State != wanted {
				continue
			}
			if best == nil || compareVersions(e.Manifest.Version, best.Manifest.Version) > 0 {
				best = e
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, errkind.New(errkind.NotFound, "no active or approved version of skill %q", name)
}

// GetVersion targets one exact version regardless of state except that
// only active and deprecated versions admit execution; callers enforce
// that via AdmitForExecution.
func (r *Registry) GetVersion(ctx context.Context, name, version string) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT manifest, body, state, created_at, updated_at
		FROM skill_registry WHERE name = ? AND version = ?`, name, version)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "skill %s@%s not found", name, version)
	}
	return e, err
}

// GetAnyState returns the newest version ignoring lifecycle state.
func (r *Registry) GetAnyState(ctx context.Context, name string) (*Entry, error) {
	entries, err := r.versions(ctx, name)
	if err != nil {
		return nil, err
	}
	var best *Entry
	for _, e := range entries {
		if best == nil || compareVersions(e.Manifest.Version, best.Manifest.Version) > 0 {
			best = e
		}
	}
	if best == nil {
		return nil, errkind.New(errkind.NotFound, "skill %q not found", name)
	}
	return best, nil
}

// ByState lists all entries in one state.
func (r *Registry) ByState(ctx context.Context, state State) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT manifest, body, state, created_at, updated_at
		FROM skill_registry WHERE state = ? ORDER BY name, version`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list skills by state: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// AdmitForExecution checks a version's state for production use. Active
// admits silently; deprecated admits but emits skill_deprecated_used;
// every other state refuses.
func (r *Registry) AdmitForExecution(ctx context.Context, tenant, traceID string, e *Entry) error {
	switch e.State {
	case StateActive:
		return nil
	case StateDeprecated:
		r.log.MustRecord(ctx, audit.Entry{
			TenantID: tenant,
			TraceID:  traceID,
			Type:     audit.EventSkillDeprecatedUsed,
			Payload:  map[string]any{"skill": e.Manifest.Name, "version": e.Manifest.Version},
		})
		return nil
	default:
		return errkind.New(errkind.PermissionDenied,
			"skill %s@%s is %s, not active", e.Manifest.Name, e.Manifest.Version, e.State)
	}
}

// Transition moves a version through the lifecycle. Transitions are
// monotonic; deprecated never returns to active.
func (r *Registry) Transition(ctx context.Context, tenant, name, version string, to State, actor string) error {
	if stateOrder[to] == 0 {
		return errkind.New(errkind.Validation, "unknown state %q", to)
	}
	entry, err := r.GetVersion(ctx, name, version)
	if err != nil {
		return err
	}
	from := entry.State
	if from == to {
		return nil
	}
	if from == StateDeprecated {
		return errkind.New(errkind.Validation, "skill %s@%s is deprecated and cannot change state", name, version)
	}
	if to != StateDeprecated && stateOrder[to] != stateOrder[from]+1 {
		return errkind.New(errkind.Validation, "cannot transition %s@%s from %s to %s", name, version, from, to)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE skill_registry SET state = ?, updated_at = ? WHERE name = ? AND version = ?`,
		string(to), time.Now().UTC(), name, version)
	if err != nil {
		return fmt.Errorf("transition skill: %w", err)
	}

	r.log.MustRecord(ctx, audit.Entry{
		TenantID: tenant,
		UserID:   actor,
		Type:     audit.EventSkillStateChanged,
		Payload:  map[string]any{"skill": name, "version": version, "from": string(from), "to": string(to)},
	})
	return nil
}

func (r *Registry) versions(ctx context.Context, name string) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT manifest, body, state, created_at, updated_at
		FROM skill_registry WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("list skill versions: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(row rowScanner) (*Entry, error) {
	var manifest, body, state string
	var created, updated time.Time
	if err := row.Scan(&manifest, &body, &state, &created, &updated); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal([]byte(manifest), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.Body = body
	return &Entry{Manifest: &m, State: State(state), CreatedAt: created, UpdatedAt: updated}, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// compareVersions orders semver-shaped versions numerically by
// major.minor.patch; prerelease tags are ignored.
func compareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionParts(v string) [3]int {
	if idx := strings.IndexAny(v, "-+"); idx >= 0 {
		v = v[:idx]
	}
	var parts [3]int
	for i, s := range strings.SplitN(v, ".", 3) {
		if i > 2 {
			break
		}
		n, _ := strconv.Atoi(s)
		parts[i] = n
	}
	return parts
}
