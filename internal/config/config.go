// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Retry     RetryConfig
	Workspace WorkspaceConfig
	Tools     ToolsConfig
	Ops       OpsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            int
	ControlPlaneURL string
	DefaultTaskTitle string
	ShutdownGrace   time.Duration

	// RateLimitRPS caps per-tenant request rate at the boundary.
	// Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

type StoreConfig struct {
	Path string
}

type AuthConfig struct {
	DaemonKey   string
	JWTSecret   string
	JWTAlg      string
	TokenExpiry time.Duration
}

type LLMConfig struct {
	DefaultProvider string
	CheapModel      string
	DefaultModel    string
	BestModel       string
	FallbackModel   string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// ContextWarnPct triggers a context warning when the prompt consumes
	// more than this percentage of the model window.
	ContextWarnPct int
}

type RetryConfig struct {
	Attempts int
	BaseMs   int
	MaxMs    int
	JitterMs int
}

type WorkspaceConfig struct {
	ID              string
	Path            string
	FileCharLimit   int
	DefaultTimezone string
	TimeContext     bool

	// DefaultEnvironment is the pin environment used when a request
	// does not name one.
	DefaultEnvironment string
}

type ToolsConfig struct {
	ProxyTimeout time.Duration
	SandboxRoots []string

	// MaxRounds caps tool-call loops per request.
	MaxRounds int
}

type OpsConfig struct {
	Issuer              string
	Audience            string
	JWKSURL             string
	RBACClaim           string
	TenantClaim         string
	WorkspaceClaim      string
	AllowedTenantsClaim string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// FromEnv builds the configuration from environment variables, applying
// defaults where unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:             envInt("WARDEN_PORT", 8787),
			ControlPlaneURL:  strings.TrimRight(os.Getenv("WARDEN_CONTROL_PLANE_URL"), "/"),
			DefaultTaskTitle: envString("WARDEN_DEFAULT_TASK_TITLE", "Agent Session"),
			ShutdownGrace:    envDuration("WARDEN_SHUTDOWN_GRACE", 20*time.Second),
			RateLimitRPS:     envFloat("WARDEN_RATE_LIMIT_RPS", 10),
			RateLimitBurst:   envInt("WARDEN_RATE_LIMIT_BURST", 20),
		},
		Store: StoreConfig{
			Path: envString("WARDEN_STORE_PATH", "warden.db"),
		},
		Auth: AuthConfig{
			DaemonKey:   os.Getenv("WARDEN_DAEMON_KEY"),
			JWTSecret:   os.Getenv("WARDEN_JWT_SECRET"),
			JWTAlg:      envString("WARDEN_JWT_ALG", "HS256"),
			TokenExpiry: envDuration("WARDEN_TOKEN_EXPIRY", 2*time.Hour),
		},
		LLM: LLMConfig{
			DefaultProvider: envString("WARDEN_DEFAULT_PROVIDER", "openai"),
			CheapModel:      envString("WARDEN_MODEL_CHEAP", "gpt-4o-mini"),
			DefaultModel:    envString("WARDEN_MODEL_DEFAULT", "gpt-4o-mini"),
			BestModel:       envString("WARDEN_MODEL_BEST", "gpt-4o"),
			FallbackModel:   envString("WARDEN_MODEL_FALLBACK", "anthropic/claude-3-5-haiku-20241022"),
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			ContextWarnPct:  envInt("WARDEN_CONTEXT_WARN_PCT", 80),
		},
		Retry: RetryConfig{
			Attempts: envInt("WARDEN_RETRY_ATTEMPTS", 3),
			BaseMs:   envInt("WARDEN_RETRY_BASE_MS", 250),
			MaxMs:    envInt("WARDEN_RETRY_MAX_MS", 8000),
			JitterMs: envInt("WARDEN_RETRY_JITTER_MS", 100),
		},
		Workspace: WorkspaceConfig{
			ID:                 envString("WARDEN_WORKSPACE_ID", "default"),
			Path:               envString("WARDEN_WORKSPACE_PATH", "workspace"),
			FileCharLimit:      envInt("WARDEN_WORKSPACE_FILE_LIMIT", 20000),
			DefaultTimezone:    os.Getenv("WARDEN_DEFAULT_TIMEZONE"),
			TimeContext:        envBool("WARDEN_TIME_CONTEXT", true),
			DefaultEnvironment: envString("WARDEN_DEFAULT_ENVIRONMENT", "dev"),
		},
		Tools: ToolsConfig{
			ProxyTimeout: envDuration("WARDEN_TOOL_TIMEOUT", 30*time.Second),
			SandboxRoots: envList("WARDEN_SANDBOX_ROOTS"),
			MaxRounds:    envInt("WARDEN_TOOL_MAX_ROUNDS", 5),
		},
		Ops: OpsConfig{
			Issuer:              os.Getenv("WARDEN_OPS_ISSUER"),
			Audience:            os.Getenv("WARDEN_OPS_AUDIENCE"),
			JWKSURL:             os.Getenv("WARDEN_OPS_JWKS_URL"),
			RBACClaim:           envString("WARDEN_OPS_RBAC_CLAIM", "roles"),
			TenantClaim:         envString("WARDEN_OPS_TENANT_CLAIM", "tenant_id"),
			WorkspaceClaim:      envString("WARDEN_OPS_WORKSPACE_CLAIM", "workspace_id"),
			AllowedTenantsClaim: envString("WARDEN_OPS_ALLOWED_TENANTS_CLAIM", "allowed_tenants"),
		},
		Logging: LoggingConfig{
			Level:  envString("WARDEN_LOG_LEVEL", "info"),
			Format: envString("WARDEN_LOG_FORMAT", "json"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be >= 1")
	}
	if c.Workspace.FileCharLimit < 1 {
		return fmt.Errorf("workspace file limit must be positive")
	}
	if c.Auth.JWTAlg != "HS256" {
		return fmt.Errorf("unsupported jwt algorithm %q", c.Auth.JWTAlg)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
