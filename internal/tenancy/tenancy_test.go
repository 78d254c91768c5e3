package tenancy

import (
	"testing"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/pkg/models"
)

func TestVerifyDaemonKey(t *testing.T) {
	if err := VerifyDaemonKey("", "anything"); err != nil {
		t.Errorf("unconfigured key should pass: %v", err)
	}
	if err := VerifyDaemonKey("hunter2", "hunter2"); err != nil {
		t.Errorf("matching key: %v", err)
	}
	if err := VerifyDaemonKey("hunter2", ""); errkind.KindOf(err) != errkind.AuthMissing {
		t.Errorf("missing key = %v", err)
	}
	if err := VerifyDaemonKey("hunter2", "wrong"); errkind.KindOf(err) != errkind.AuthInvalid {
		t.Errorf("wrong key = %v", err)
	}
}

func TestCheckSessionKey(t *testing.T) {
	id := Identity{TenantID: "acme", UserID: "u1"}
	if err := id.CheckSessionKey(models.SessionKey{Kind: "user", UserID: "u1", AgentRole: "assistant"}); err != nil {
		t.Errorf("matching user: %v", err)
	}
	err := id.CheckSessionKey(models.SessionKey{Kind: "user", UserID: "intruder", AgentRole: "assistant"})
	if errkind.KindOf(err) != errkind.AuthInvalid {
		t.Errorf("mismatched user = %v", err)
	}

	// Daemon-key requests carry no user id and accept any session key.
	anon := Identity{TenantID: "default"}
	if err := anon.CheckSessionKey(models.SessionKey{Kind: "user", UserID: "u9", AgentRole: "assistant"}); err != nil {
		t.Errorf("userless identity: %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	unrestricted := Capabilities{}
	if !unrestricted.ToolAllowed("shell") || !unrestricted.ModelAllowed("any") || !unrestricted.SkillAllowed("any") {
		t.Error("empty capability set must allow everything")
	}

	c := Capabilities{
		AllowedTools:  []string{"search", "fetch"},
		DeniedTools:   []string{"fetch"},
		AllowedModels: []string{"claude-x"},
		AllowedSkills: []string{"summarize"},
	}
	if !c.ToolAllowed("search") {
		t.Error("allow-listed tool refused")
	}
	if c.ToolAllowed("fetch") {
		t.Error("deny-list must win over allow-list")
	}
	if c.ToolAllowed("shell") {
		t.Error("tool outside allow-list admitted")
	}
	if c.ModelAllowed("gpt-y") || !c.ModelAllowed("claude-x") {
		t.Error("model allow-list not applied")
	}
	if c.SkillAllowed("triage") || !c.SkillAllowed("summarize") {
		t.Error("skill allow-list not applied")
	}
}

func TestRoleHierarchy(t *testing.T) {
	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermTraceView, true},
		{RoleViewer, PermTraceAnnotate, false},
		{RoleOperator, PermTraceAnnotate, true},
		{RoleOperator, PermSkillPromote, false},
		{RoleReleaseManager, PermSkillPromote, true},
		{RoleReleaseManager, PermOverrideUse, false},
		{RoleAdmin, PermOverrideUse, true},
		{RoleAdmin, PermTraceView, true},
		{Role("intern"), PermTraceView, false},
	}
	for _, tc := range cases {
		if got := HasPermission(tc.role, tc.perm); got != tc.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}

	if len(Permissions(RoleAdmin)) <= len(Permissions(RoleViewer)) {
		t.Error("admin permission set should strictly contain viewer's")
	}
	if Permissions(Role("intern")) != nil {
		t.Error("unknown role has no permissions")
	}
}

func TestCanReadTenant(t *testing.T) {
	viewer := OpsIdentity{TenantID: "acme", Role: RoleViewer}
	if !viewer.CanReadTenant("") || !viewer.CanReadTenant("acme") {
		t.Error("own tenant must be readable")
	}
	if viewer.CanReadTenant("rival") {
		t.Error("non-admin cross-tenant read admitted")
	}

	admin := OpsIdentity{TenantID: "acme", Role: RoleAdmin, AllowedTenants: []string{"rival"}}
	if !admin.CanReadTenant("rival") {
		t.Error("allow-listed tenant refused for admin")
	}
	if admin.CanReadTenant("stranger") {
		t.Error("admin read outside allow-list admitted")
	}
}
