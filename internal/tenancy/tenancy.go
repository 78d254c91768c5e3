// Package tenancy derives and enforces the tenant identity behind every
// request: daemon service keys, signed agent identity tokens, session-key
// agreement, per-tenant capability sets, and the RBAC model for the
// operations console.
package tenancy

import (
	"crypto/subtle"
	"strings"

	"github.com/wardenhq/warden/internal/errkind"
	"github.com/wardenhq/warden/pkg/models"
)

// Identity is the resolved tenant context for one request.
type Identity struct {
	TenantID     string
	UserID       string
	AgentRole    string
	Capabilities Capabilities
}

// Capabilities bounds what a tenant's requests may do. A deny-list always
// wins; an allow-list restricts only when non-empty.
type Capabilities struct {
	AllowedTools  []string
	DeniedTools   []string
	AllowedModels []string
	AllowedSkills []string
	MaxTokens     int
}

// ToolAllowed applies deny-then-allow semantics.
func (c Capabilities) ToolAllowed(name string) bool {
	for _, denied := range c.DeniedTools {
		if denied == name {
			return false
		}
	}
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range c.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// ModelAllowed restricts model choice when an allow-list is set.
func (c Capabilities) ModelAllowed(name string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedModels {
		if allowed == name {
			return true
		}
	}
	return false
}

// SkillAllowed restricts skill admission when an allow-list is set.
func (c Capabilities) SkillAllowed(name string) bool {
	if len(c.AllowedSkills) == 0 {
		return true
	}
	for _, allowed := range c.AllowedSkills {
		if allowed == name {
			return true
		}
	}
	return false
}

// CheckSessionKey rejects session keys whose user disagrees with the
// signed token's user.
func (id Identity) CheckSessionKey(key models.SessionKey) error {
	if id.UserID != "" && key.UserID != id.UserID {
		return errkind.New(errkind.AuthInvalid, "session key user does not match token")
	}
	return nil
}

// VerifyDaemonKey compares a presented daemon service key against the
// configured secret. An empty configured key disables the check.
func VerifyDaemonKey(configured, presented string) error {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return nil
	}
	if presented == "" {
		return errkind.New(errkind.AuthMissing, "daemon key required")
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return errkind.New(errkind.AuthInvalid, "daemon key mismatch")
	}
	return nil
}
