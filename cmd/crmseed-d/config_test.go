package main

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine/idempotency"
	"github.com/rmax-ai/crmseed/pkg/store"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != defaultAddr {
		t.Errorf("expected addr %s, got %s", defaultAddr, cfg.Addr)
	}
	if cfg.DBDriver != store.DriverSQLite || !strings.HasSuffix(cfg.DBDSN, "crmseed.db") {
		t.Errorf("unexpected store config %s %s", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.IdempotencyPolicy != idempotency.FailOpen {
		t.Errorf("expected fail_open, got %s", cfg.IdempotencyPolicy)
	}
	if cfg.ClaimTTL != idempotency.DefaultTTL {
		t.Errorf("expected default claim ttl, got %v", cfg.ClaimTTL)
	}
	if cfg.CRMMode != "mock" || cfg.ArchiveBackend != "off" {
		t.Errorf("unexpected modes crm=%s archive=%s", cfg.CRMMode, cfg.ArchiveBackend)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.LogLevel)
	}
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	t.Setenv("CRMSEED_PORT", "9100")
	t.Setenv("CRMSEED_BREAKER_COOLDOWN", "3s")
	t.Setenv("CRMSEED_API_TOKENS", "a, b,,c")
	t.Setenv("CRMSEED_IDEMPOTENCY_POLICY", "fail_closed")

	cfg, err := LoadConfig([]string{"-breaker-threshold", "9", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9100" {
		t.Errorf("expected port from env, got %s", cfg.Addr)
	}
	if cfg.BreakerCooldown != 3*time.Second {
		t.Errorf("expected cooldown from env, got %v", cfg.BreakerCooldown)
	}
	if cfg.BreakerThreshold != 9 {
		t.Errorf("expected threshold from flag, got %d", cfg.BreakerThreshold)
	}
	if strings.Join(cfg.OperatorTokens, "|") != "a|b|c" {
		t.Errorf("unexpected tokens %v", cfg.OperatorTokens)
	}
	if cfg.IdempotencyPolicy != idempotency.FailClosed {
		t.Errorf("expected fail_closed, got %s", cfg.IdempotencyPolicy)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.LogLevel)
	}

	t.Setenv("CRMSEED_BREAKER_COOLDOWN", "")
	cfg, err = LoadConfig([]string{"-breaker-cooldown", "1m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BreakerCooldown != time.Minute {
		t.Errorf("expected flag to win, got %v", cfg.BreakerCooldown)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		errorSubstr string
	}{
		{
			name:        "zero call timeout",
			args:        []string{"-call-timeout", "0s"},
			errorSubstr: "call timeout must be positive",
		},
		{
			name:        "negative retention",
			args:        []string{"-retention", "-1h"},
			errorSubstr: "retention must be positive",
		},
		{
			name:        "invalid duration in env",
			envVars:     map[string]string{"CRMSEED_CLAIM_TTL": "forever"},
			errorSubstr: "invalid CRMSEED_CLAIM_TTL",
		},
		{
			name:        "invalid integer in env",
			envVars:     map[string]string{"CRMSEED_REDIS_DB": "two"},
			errorSubstr: "invalid CRMSEED_REDIS_DB",
		},
		{
			name:        "unknown policy",
			args:        []string{"-idempotency-policy", "shrug"},
			errorSubstr: "unknown idempotency policy",
		},
		{
			name:        "unknown driver",
			args:        []string{"-db-driver", "oracle"},
			errorSubstr: "unsupported store driver",
		},
		{
			name:        "backoff inverted",
			args:        []string{"-backoff-base", "2m", "-backoff-max", "1m"},
			errorSubstr: "backoff max must be >= backoff base",
		},
		{
			name:        "http crm without url",
			args:        []string{"-crm", "http"},
			errorSubstr: "crm=http requires crm-url",
		},
		{
			name:        "http crm without credentials",
			args:        []string{"-crm", "http", "-crm-url", "https://crm.example.com"},
			errorSubstr: "crm=http requires crm-token",
		},
		{
			name:        "unknown archive backend",
			args:        []string{"-archive", "tape"},
			errorSubstr: "unsupported archive backend",
		},
		{
			name:        "minio without endpoint",
			args:        []string{"-archive", "minio"},
			errorSubstr: "endpoint",
		},
		{
			name:        "tls half configured",
			args:        []string{"-tls-cert", "cert.pem"},
			errorSubstr: "tls-cert and tls-key",
		},
		{
			name:        "bad log level",
			args:        []string{"-log-level", "chatty"},
			errorSubstr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			_, err := LoadConfig(tt.args)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errorSubstr)
			}
			if !strings.Contains(err.Error(), tt.errorSubstr) {
				t.Errorf("expected error containing %q, got %q", tt.errorSubstr, err.Error())
			}
		})
	}
}
