package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.LLM.DefaultProvider != "openai" || cfg.LLM.CheapModel != "gpt-4o-mini" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.BaseMs != 250 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Workspace.DefaultEnvironment != "dev" || !cfg.Workspace.TimeContext {
		t.Errorf("workspace = %+v", cfg.Workspace)
	}
	if cfg.Tools.ProxyTimeout != 30*time.Second {
		t.Errorf("tool timeout = %v", cfg.Tools.ProxyTimeout)
	}
	if cfg.Auth.TokenExpiry != 2*time.Hour || cfg.Auth.JWTAlg != "HS256" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_PORT", "9000")
	t.Setenv("WARDEN_CONTROL_PLANE_URL", "https://cp.example.com/")
	t.Setenv("WARDEN_RATE_LIMIT_RPS", "2.5")
	t.Setenv("WARDEN_SANDBOX_ROOTS", "/srv/a, /srv/b,,")
	t.Setenv("WARDEN_TIME_CONTEXT", "false")
	t.Setenv("WARDEN_SHUTDOWN_GRACE", "5s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.ControlPlaneURL != "https://cp.example.com" {
		t.Errorf("control plane url = %q (trailing slash must be stripped)", cfg.Server.ControlPlaneURL)
	}
	if cfg.Server.RateLimitRPS != 2.5 {
		t.Errorf("rps = %v", cfg.Server.RateLimitRPS)
	}
	if len(cfg.Tools.SandboxRoots) != 2 || cfg.Tools.SandboxRoots[1] != "/srv/b" {
		t.Errorf("sandbox roots = %v", cfg.Tools.SandboxRoots)
	}
	if cfg.Workspace.TimeContext {
		t.Error("time context override not applied")
	}
	if cfg.Server.ShutdownGrace != 5*time.Second {
		t.Errorf("grace = %v", cfg.Server.ShutdownGrace)
	}
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WARDEN_PORT", "not-a-number")
	t.Setenv("WARDEN_RETRY_ATTEMPTS", "many")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Server.Port != 8787 || cfg.Retry.Attempts != 3 {
		t.Errorf("fallbacks not applied: port=%d attempts=%d", cfg.Server.Port, cfg.Retry.Attempts)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("from env: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero port accepted")
	}

	cfg = base()
	cfg.Retry.Attempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero retry attempts accepted")
	}

	cfg = base()
	cfg.Auth.JWTAlg = "RS256"
	if err := cfg.Validate(); err == nil {
		t.Error("unsupported jwt algorithm accepted")
	}

	cfg = base()
	cfg.Workspace.FileCharLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero file limit accepted")
	}
}
