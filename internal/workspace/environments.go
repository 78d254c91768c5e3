package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/store"
)

// Standard environment names; promotions flow dev -> staging -> prod.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// Environment binds a name to a workspace snapshot.
type Environment struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	VersionHash string `json:"version_hash,omitempty"`
	IsDefault   bool   `json:"is_default"`
	Locked      bool   `json:"locked"`
}

// Pin is the resolver's final source of truth for an environment: the
// snapshot hash, per-skill version pins, and an optional model pin.
type Pin struct {
	WorkspaceID string            `json:"workspace_id"`
	Environment string            `json:"environment"`
	VersionHash string            `json:"version_hash,omitempty"`
	SkillPins   map[string]string `json:"skill_pins"`
	Model       string            `json:"model,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Environments manages environment bindings, pins, and promotion.
type Environments struct {
	store *store.Store
	log   *audit.Log
}

// NewEnvironments builds the manager.
func NewEnvironments(s *store.Store, log *audit.Log) *Environments {
	return &Environments{store: s, log: log}
}

// Upsert creates or updates an environment binding. Setting is_default
// clears any prior default in the same transaction. A locked
// environment refuses the update; it can only change through a
// promotion after Unlock.
func (e *Environments) Upsert(ctx context.Context, tenant string, env Environment) error {
	if env.WorkspaceID == "" || env.Name == "" {
		return errkind.New(errkind.Validation, "workspace and environment name are required")
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var locked int
		err := tx.QueryRowContext(ctx, `
			SELECT locked FROM workspace_environments WHERE workspace_id = ? AND name = ?`,
			env.WorkspaceID, env.Name).Scan(&locked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if locked != 0 {
			return errkind.New(errkind.PermissionDenied, "environment %s is locked", env.Name)
		}
		if env.IsDefault {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workspace_environments SET is_default = 0 WHERE workspace_id = ?`,
				env.WorkspaceID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workspace_environments (workspace_id, name, description, version_hash, is_default, locked)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(workspace_id, name) DO UPDATE SET
				description = excluded.description,
				version_hash = excluded.version_hash,
				is_default = excluded.is_default,
				locked = excluded.locked`,
			env.WorkspaceID, env.Name, env.Description, env.VersionHash,
			boolInt(env.IsDefault), boolInt(env.Locked))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert environment: %w", err)
	}

	e.log.MustRecord(ctx, audit.Entry{
		TenantID:    tenant,
		WorkspaceID: env.WorkspaceID,
		Type:        audit.EventWorkspaceChange,
		Payload: map[string]any{
			"action":      "environment_upsert",
			"environment": env.Name,
			"hash":        env.VersionHash,
		},
	})
	return nil
}

// Unlock clears the lock flag on an environment so a promotion can
// land. Reserved for the break-glass override path; every call is
// audited.
func (e *Environments) Unlock(ctx context.Context, tenant, workspaceID, name string) error {
	res, err := e.store.DB().ExecContext(ctx, `
		UPDATE workspace_environments SET locked = 0 WHERE workspace_id = ? AND name = ?`,
		workspaceID, name)
	if err != nil {
		return fmt.Errorf("unlock environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "environment not found")
	}

	e.log.MustRecord(ctx, audit.Entry{
		TenantID:    tenant,
		WorkspaceID: workspaceID,
		Type:        audit.EventWorkspaceChange,
		Payload: map[string]any{
			"action":      "environment_unlock",
			"environment": name,
		},
	})
	return nil
}

// Get loads one environment binding.
func (e *Environments) Get(ctx context.Context, workspaceID, name string) (*Environment, error) {
	row := e.store.DB().QueryRowContext(ctx, `
		SELECT workspace_id, name, description, version_hash, is_default, locked
		FROM workspace_environments WHERE workspace_id = ? AND name = ?`,
		workspaceID, name)
	return scanEnvironment(row)
}

// List returns all environments for a workspace.
func (e *Environments) List(ctx context.Context, workspaceID string) ([]*Environment, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT workspace_id, name, description, version_hash, is_default, locked
		FROM workspace_environments WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var out []*Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// InitializeStandard creates dev, staging, and prod for a workspace,
// marks defaultEnv as default, and locks prod. Existing environments
// are left untouched.
func (e *Environments) InitializeStandard(ctx context.Context, tenant, workspaceID, defaultEnv string) error {
	if defaultEnv == "" {
		defaultEnv = EnvDev
	}
	names := []string{EnvDev, EnvStaging, EnvProd}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workspace_environments (workspace_id, name, description, version_hash, is_default, locked)
				VALUES (?, ?, ?, '', ?, ?)
				ON CONFLICT(workspace_id, name) DO NOTHING`,
				workspaceID, name, name+" environment",
				boolInt(name == defaultEnv), boolInt(name == EnvProd))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize environments: %w", err)
	}

	e.log.MustRecord(ctx, audit.Entry{
		TenantID:    tenant,
		WorkspaceID: workspaceID,
		Type:        audit.EventWorkspaceChange,
		Payload:     map[string]any{"action": "environments_initialized", "default": defaultEnv},
	})
	return nil
}

// Promote copies the source environment's snapshot hash into the
// target environment and the target pin, in one transaction. Refusals:
// source without a hash, promoting from prod, target locked.
func (e *Environments) Promote(ctx context.Context, tenant, workspaceID, source, target string) error {
	if source == EnvProd {
		return errkind.New(errkind.Validation, "cannot promote from %s", EnvProd)
	}
	src, err := e.Get(ctx, workspaceID, source)
	if err != nil {
		return err
	}
	if src.VersionHash == "" {
		return errkind.New(errkind.Validation, "environment %s has no snapshot to promote", source)
	}
	dst, err := e.Get(ctx, workspaceID, target)
	if err != nil {
		return err
	}
	if dst.Locked {
		return errkind.New(errkind.PermissionDenied, "environment %s is locked", target)
	}

	now := time.Now().UTC()
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workspace_environments SET version_hash = ?
			WHERE workspace_id = ? AND name = ?`,
			src.VersionHash, workspaceID, target); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_pins (workspace_id, environment, version_hash, skill_pins, model, provider, updated_at)
			VALUES (?, ?, ?, '{}', '', '', ?)
			ON CONFLICT(workspace_id, environment) DO UPDATE SET
				version_hash = excluded.version_hash,
				updated_at = excluded.updated_at`,
			workspaceID, target, src.VersionHash, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("promote %s to %s: %w", source, target, err)
	}

	e.log.MustRecord(ctx, audit.Entry{
		TenantID:    tenant,
		WorkspaceID: workspaceID,
		Type:        audit.EventWorkspaceChange,
		Payload: map[string]any{
			"action": "promote",
			"source": source,
			"target": target,
			"hash":   src.VersionHash,
		},
	})
	return nil
}

// SetPin writes the pin for (workspace, environment).
func (e *Environments) SetPin(ctx context.Context, tenant string, pin Pin) error {
	if pin.WorkspaceID == "" || pin.Environment == "" {
		return errkind.New(errkind.Validation, "workspace and environment are required")
	}
	if pin.SkillPins == nil {
		pin.SkillPins = map[string]string{}
	}
	skillPins, err := json.Marshal(pin.SkillPins)
	if err != nil {
		return fmt.Errorf("encode skill pins: %w", err)
	}
	_, err = e.store.DB().ExecContext(ctx, `
		INSERT INTO workspace_pins (workspace_id, environment, version_hash, skill_pins, model, provider, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, environment) DO UPDATE SET
			version_hash = excluded.version_hash,
			skill_pins = excluded.skill_pins,
			model = excluded.model,
			provider = excluded.provider,
			updated_at = excluded.updated_at`,
		pin.WorkspaceID, pin.Environment, pin.VersionHash, string(skillPins),
		pin.Model, pin.Provider, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set pin: %w", err)
	}

	e.log.MustRecord(ctx, audit.Entry{
		TenantID:    tenant,
		WorkspaceID: pin.WorkspaceID,
		Type:        audit.EventWorkspaceChange,
		Payload: map[string]any{
			"action":      "pin_set",
			"environment": pin.Environment,
			"hash":        pin.VersionHash,
		},
	})
	return nil
}

// GetPin loads the pin for (workspace, environment).
func (e *Environments) GetPin(ctx context.Context, workspaceID, environment string) (*Pin, error) {
	row := e.store.DB().QueryRowContext(ctx, `
		SELECT workspace_id, environment, version_hash, skill_pins, model, provider, updated_at
		FROM workspace_pins WHERE workspace_id = ? AND environment = ?`,
		workspaceID, environment)
	pin, err := scanPin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "no pin for %s/%s", workspaceID, environment)
	}
	return pin, err
}

// Pins lists all pins for a workspace.
func (e *Environments) Pins(ctx context.Context, workspaceID string) ([]*Pin, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT workspace_id, environment, version_hash, skill_pins, model, provider, updated_at
		FROM workspace_pins WHERE workspace_id = ? ORDER BY environment`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	var out []*Pin
	for rows.Next() {
		pin, err := scanPin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pin)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEnvironment(row rowScanner) (*Environment, error) {
	var env Environment
	var isDefault, locked int
	err := row.Scan(&env.WorkspaceID, &env.Name, &env.Description, &env.VersionHash, &isDefault, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "environment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	env.IsDefault = isDefault != 0
	env.Locked = locked != 0
	return &env, nil
}

func scanPin(row rowScanner) (*Pin, error) {
	var pin Pin
	var skillPins string
	err := row.Scan(&pin.WorkspaceID, &pin.Environment, &pin.VersionHash, &skillPins,
		&pin.Model, &pin.Provider, &pin.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skillPins), &pin.SkillPins); err != nil {
		return nil, fmt.Errorf("decode skill pins: %w", err)
	}
	return &pin, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
