package ops

import (
	"context"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/internal/tenancy"
)

// OverrideAction names a break-glass action.
type OverrideAction string

const (
	// OverrideUnlockEnvironment clears the lock on a workspace
	// environment so an emergency promotion can land.
	OverrideUnlockEnvironment OverrideAction = "unlock_environment"

	// OverrideAuditPurge bulk-removes audit entries older than the
	// cutoff. The only sanctioned removal path for the audit log.
	OverrideAuditPurge OverrideAction = "audit_purge"
)

// OverrideRequest is a break-glass invocation. ReasonCode and
// Justification are both mandatory.
type OverrideRequest struct {
	Action        OverrideAction `json:"action"`
	Target        string         `json:"target"`
	ReasonCode    string         `json:"reason_code"`
	Justification string         `json:"justification"`

	// Cutoff applies to audit_purge.
	Cutoff time.Time `json:"cutoff,omitzero"`
}

// OverrideResult reports what the override did.
type OverrideResult struct {
	Action  OverrideAction `json:"action"`
	Target  string         `json:"target"`
	Applied bool           `json:"applied"`
	Detail  string         `json:"detail,omitempty"`
}

// Override applies a break-glass action. The caller must hold
// override:use; every application emits an ops_override_used audit
// entry carrying actor, role, action, target, code, and justification.
func (s *Service) Override(ctx context.Context, caller tenancy.OpsIdentity, req OverrideRequest) (*OverrideResult, error) {
	if !tenancy.HasPermission(caller.Role, tenancy.PermOverrideUse) {
		return nil, errkind.New(errkind.PermissionDenied, "role %q lacks %s", caller.Role, tenancy.PermOverrideUse)
	}
	if strings.TrimSpace(req.ReasonCode) == "" || strings.TrimSpace(req.Justification) == "" {
		return nil, errkind.New(errkind.Validation, "reason_code and justification are required")
	}

	var (
		result *OverrideResult
		err    error
	)
	switch req.Action {
	case OverrideUnlockEnvironment:
		result, err = s.unlockEnvironment(ctx, caller, req)
	case OverrideAuditPurge:
		result, err = s.purgeAudit(ctx, caller, req)
	default:
		return nil, errkind.New(errkind.Validation, "unknown override action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}

	s.auditLog.MustRecord(ctx, audit.Entry{
		TenantID:    caller.TenantID,
		WorkspaceID: caller.WorkspaceID,
		UserID:      caller.Subject,
		Type:        audit.EventOverrideUsed,
		CreatedAt:   time.Now().UTC(),
		Payload: map[string]any{
			"actor":         caller.Subject,
			"role":          string(caller.Role),
			"action":        string(req.Action),
			"target":        req.Target,
			"reason_code":   req.ReasonCode,
			"justification": req.Justification,
		},
	})
	s.logger.Warn("break-glass override applied",
		"actor", caller.Subject, "action", req.Action, "target", req.Target, "reason", req.ReasonCode)
	return result, nil
}

func (s *Service) unlockEnvironment(ctx context.Context, caller tenancy.OpsIdentity, req OverrideRequest) (*OverrideResult, error) {
	workspaceID, envName, ok := strings.Cut(req.Target, "/")
	if !ok {
		return nil, errkind.New(errkind.Validation, "target must be workspace/environment, got %q", req.Target)
	}
	env, err := s.envs.Get(ctx, workspaceID, envName)
	if err != nil {
		return nil, err
	}
	if !env.Locked {
		return &OverrideResult{Action: req.Action, Target: req.Target, Applied: false, Detail: "environment is not locked"}, nil
	}
	if err := s.envs.Unlock(ctx, caller.TenantID, workspaceID, envName); err != nil {
		return nil, err
	}
	return &OverrideResult{Action: req.Action, Target: req.Target, Applied: true, Detail: "environment unlocked"}, nil
}

func (s *Service) purgeAudit(ctx context.Context, caller tenancy.OpsIdentity, req OverrideRequest) (*OverrideResult, error) {
	if req.Cutoff.IsZero() {
		return nil, errkind.New(errkind.Validation, "cutoff is required for audit_purge")
	}
	deleted, err := s.auditLog.PurgeOlderThan(ctx, req.Cutoff.UTC(), caller.TenantID)
	if err != nil {
		return nil, err
	}
	return &OverrideResult{
		Action:  req.Action,
		Target:  req.Target,
		Applied: deleted > 0,
		Detail:  "entries removed",
	}, nil
}
