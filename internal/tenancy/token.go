package tenancy

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wardenhq/warden/internal/errkind"
)

// AgentClaims is the payload of an agent identity token. The runtime
// mints these for outbound control-plane calls and validates them on
// inbound traffic.
type AgentClaims struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies agent identity tokens with a shared
// symmetric secret.
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService builds a token helper. Expiry defaults to two hours.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	if expiry <= 0 {
		expiry = 2 * time.Hour
	}
	return &TokenService{secret: []byte(secret), expiry: expiry}
}

// Mint issues a signed agent token for the tenant and role.
func (s *TokenService) Mint(tenantID, userID, role string) (string, error) {
	if len(s.secret) == 0 {
		return "", errkind.New(errkind.ConfigError, "jwt secret not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return "", fmt.Errorf("tenant id required")
	}
	now := time.Now()
	claims := AgentClaims{
		Type:     "agent",
		TenantID: tenantID,
		UserID:   userID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a signed agent token and returns its claims.
func (s *TokenService) Validate(raw string) (*AgentClaims, error) {
	if len(s.secret) == 0 {
		return nil, errkind.New(errkind.ConfigError, "jwt secret not configured")
	}
	if strings.TrimSpace(raw) == "" {
		return nil, errkind.New(errkind.AuthMissing, "agent token required")
	}

	parsed, err := jwt.ParseWithClaims(raw, &AgentClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.AuthInvalid, err, "invalid agent token")
	}
	claims, ok := parsed.Claims.(*AgentClaims)
	if !ok || !parsed.Valid {
		return nil, errkind.New(errkind.AuthInvalid, "invalid agent token")
	}
	if claims.Type != "agent" {
		return nil, errkind.New(errkind.AuthInvalid, "token type %q is not agent", claims.Type)
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, errkind.New(errkind.AuthInvalid, "token missing tenant")
	}
	return claims, nil
}

// IdentityFromClaims builds the request identity from validated claims
// and the tenant's configured capability set.
func IdentityFromClaims(claims *AgentClaims, caps Capabilities) Identity {
	return Identity{
		TenantID:     claims.TenantID,
		UserID:       claims.UserID,
		AgentRole:    claims.Role,
		Capabilities: caps,
	}
}
