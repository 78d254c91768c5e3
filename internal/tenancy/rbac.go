package tenancy

// Role is an operations-console role. Roles are strictly ordered by rank.
type Role string

const (
	RoleViewer         Role = "viewer"
	RoleOperator       Role = "operator"
	RoleReleaseManager Role = "release_manager"
	RoleAdmin          Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:         1,
	RoleOperator:       2,
	RoleReleaseManager: 3,
	RoleAdmin:          4,
}

// Rank returns the role's position in the ordering, 0 for unknown roles.
func (r Role) Rank() int { return roleRank[r] }

// Valid reports whether the role is part of the vocabulary.
func (r Role) Valid() bool { return roleRank[r] > 0 }

// Permission names one operations-console capability.
type Permission string

const (
	PermTraceView         Permission = "trace:view"
	PermTraceAnnotate     Permission = "trace:annotate"
	PermTraceDiff         Permission = "trace:diff"
	PermTraceLabel        Permission = "trace:label"
	PermWorkspaceView     Permission = "workspace:view"
	PermWorkspacePromote  Permission = "workspace:promote"
	PermWorkspaceRollback Permission = "workspace:rollback"
	PermWorkspaceLock     Permission = "workspace:lock"
	PermSkillView         Permission = "skill:view"
	PermSkillPromote      Permission = "skill:promote"
	PermBudgetView        Permission = "budget:view"
	PermBudgetModify      Permission = "budget:modify"
	PermRetentionView     Permission = "retention:view"
	PermRetentionModify   Permission = "retention:modify"
	PermDashboardView     Permission = "dashboard:view"
	PermAuditView         Permission = "audit:view"
	PermOverrideUse       Permission = "override:use"
)

// rolePermissions is the static permission table. Higher roles inherit
// everything below their rank.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermTraceView, PermWorkspaceView, PermSkillView,
		PermBudgetView, PermRetentionView, PermDashboardView,
	},
	RoleOperator: {
		PermTraceAnnotate, PermTraceDiff, PermTraceLabel, PermAuditView,
	},
	RoleReleaseManager: {
		PermWorkspacePromote, PermWorkspaceRollback, PermSkillPromote,
	},
	RoleAdmin: {
		PermWorkspaceLock, PermBudgetModify, PermRetentionModify, PermOverrideUse,
	},
}

// HasPermission is a table lookup over the role hierarchy.
func HasPermission(role Role, perm Permission) bool {
	rank := role.Rank()
	if rank == 0 {
		return false
	}
	for r, perms := range rolePermissions {
		if r.Rank() > rank {
			continue
		}
		for _, p := range perms {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Permissions returns the full permission set for a role, for the /me view.
func Permissions(role Role) []Permission {
	rank := role.Rank()
	if rank == 0 {
		return nil
	}
	var out []Permission
	for _, r := range []Role{RoleViewer, RoleOperator, RoleReleaseManager, RoleAdmin} {
		if r.Rank() > rank {
			break
		}
		out = append(out, rolePermissions[r]...)
	}
	return out
}

// OpsIdentity is the decorated identity of an operations-console caller.
type OpsIdentity struct {
	Subject        string
	TenantID       string
	WorkspaceID    string
	Role           Role
	AllowedTenants []string
}

// CanReadTenant permits cross-tenant reads only for admins whose
// allowed-tenants list includes the target.
func (o OpsIdentity) CanReadTenant(tenant string) bool {
	if tenant == "" || tenant == o.TenantID {
		return true
	}
	if o.Role != RoleAdmin {
		return false
	}
	for _, allowed := range o.AllowedTenants {
		if allowed == tenant {
			return true
		}
	}
	return false
}
