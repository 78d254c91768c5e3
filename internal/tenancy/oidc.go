package tenancy

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errkind"
)

// OIDCValidator validates operations-console bearer tokens against a
// configured issuer's JWKS and projects the identity-provider claim set
// into an OpsIdentity.
type OIDCValidator struct {
	cfg    config.OpsConfig
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

const jwksRefreshInterval = 15 * time.Minute

// NewOIDCValidator builds a validator. Issuer and JWKS URL must be set
// before ops routes can authenticate anyone.
func NewOIDCValidator(cfg config.OpsConfig) *OIDCValidator {
	return &OIDCValidator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   map[string]*rsa.PublicKey{},
	}
}

// Validate parses a bearer token and returns the ops identity.
func (v *OIDCValidator) Validate(ctx context.Context, raw string) (*OpsIdentity, error) {
	if v.cfg.JWKSURL == "" || v.cfg.Issuer == "" {
		return nil, errkind.New(errkind.ConfigError, "ops oidc issuer not configured")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, errkind.New(errkind.AuthMissing, "bearer token required")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return v.keyFor(ctx, kid)
	}, jwt.WithIssuer(v.cfg.Issuer), withAudience(v.cfg.Audience))
	if err != nil {
		return nil, errkind.Wrap(errkind.AuthInvalid, err, "invalid ops token")
	}
	if !parsed.Valid {
		return nil, errkind.New(errkind.AuthInvalid, "invalid ops token")
	}

	return v.identityFromClaims(claims)
}

func withAudience(aud string) jwt.ParserOption {
	if aud == "" {
		return func(p *jwt.Parser) {}
	}
	return jwt.WithAudience(aud)
}

func (v *OIDCValidator) identityFromClaims(claims jwt.MapClaims) (*OpsIdentity, error) {
	ident := &OpsIdentity{}
	if sub, _ := claims["sub"].(string); sub != "" {
		ident.Subject = sub
	}

	tenant, _ := claims[v.cfg.TenantClaim].(string)
	if tenant == "" {
		return nil, errkind.New(errkind.AuthInvalid, "token missing claim %q", v.cfg.TenantClaim)
	}
	ident.TenantID = tenant

	if ws, _ := claims[v.cfg.WorkspaceClaim].(string); ws != "" {
		ident.WorkspaceID = ws
	}

	role := flattenRole(claims[v.cfg.RBACClaim])
	if !role.Valid() {
		return nil, errkind.New(errkind.AuthInvalid, "token missing a recognized role claim")
	}
	ident.Role = role

	if rawAllowed, ok := claims[v.cfg.AllowedTenantsClaim]; ok {
		ident.AllowedTenants = flattenStrings(rawAllowed)
	}
	return ident, nil
}

// flattenRole accepts either a single role string or a list and picks the
// highest-ranked recognized role.
func flattenRole(raw any) Role {
	best := Role("")
	for _, candidate := range flattenStrings(raw) {
		r := Role(strings.ToLower(strings.TrimSpace(candidate)))
		if r.Valid() && r.Rank() > best.Rank() {
			best = r
		}
	}
	return best
}

func flattenStrings(raw any) []string {
	switch typed := raw.(type) {
	case string:
		return []string{typed}
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return typed
	default:
		return nil
	}
}

// keyFor returns the RSA key for kid, refreshing the JWKS when the key is
// unknown or the cache is stale.
func (v *OIDCValidator) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.fetchedAt) < jwksRefreshInterval
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return key, nil
}

type jwksDoc struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *OIDCValidator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks contained no usable RSA keys")
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	exponent := 0
	for _, b := range eb {
		exponent = exponent<<8 | int(b)
	}
	if exponent == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exponent}, nil
}
