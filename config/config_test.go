package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseConfig = `
listen: ":9000"
database:
  driver: sqlite
  dsn: "file:test.db"
gateway:
  base_url: "https://pay.example.com/checkout"
  merchant_code: "MERCH01"
  return_url: "https://app.example.com/payments/return"
  secret: "gateway-secret"
status_token:
  secret: "token-secret"
plans:
  - code: PLAN_BASIC
    price_minor: 9900000
    chat_credits: 100
    quiz_credits: 20
    validity_days: 30
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.ReservationTTL != 10*time.Minute {
		t.Fatalf("unexpected reservation TTL %v", cfg.ReservationTTL)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected idempotency TTL %v", cfg.IdempotencyTTL)
	}
	if cfg.StatusToken.TTL != 15*time.Minute {
		t.Fatalf("unexpected status token TTL %v", cfg.StatusToken.TTL)
	}
	if cfg.Jobs.SweepInterval != time.Minute {
		t.Fatalf("unexpected sweep interval %v", cfg.Jobs.SweepInterval)
	}
	if cfg.Jobs.MaxCreditAttempts != 5 {
		t.Fatalf("unexpected max credit attempts %d", cfg.Jobs.MaxCreditAttempts)
	}
	catalog := cfg.PlanCatalog()
	plan, ok := catalog["PLAN_BASIC"]
	if !ok {
		t.Fatal("expected PLAN_BASIC in catalog")
	}
	if plan.ChatCredits != 100 || plan.QuizCredits != 20 || plan.ValidityDays != 30 {
		t.Fatalf("unexpected plan contents %+v", plan)
	}
}

func TestLoadResolvesSecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_GATEWAY_SECRET", "env-gateway-secret")
	t.Setenv("TEST_TOKEN_SECRET", "env-token-secret")
	contents := strings.ReplaceAll(baseConfig, `secret: "gateway-secret"`, `secret_env: TEST_GATEWAY_SECRET`)
	contents = strings.ReplaceAll(contents, `secret: "token-secret"`, `secret_env: TEST_TOKEN_SECRET`)

	cfg, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Secret != "env-gateway-secret" {
		t.Fatalf("gateway secret not resolved: %q", cfg.Gateway.Secret)
	}
	if cfg.StatusToken.Secret != "env-token-secret" {
		t.Fatalf("status token secret not resolved: %q", cfg.StatusToken.Secret)
	}
}

func TestLoadRejectsEmptySecretEnv(t *testing.T) {
	contents := strings.ReplaceAll(baseConfig, `secret: "gateway-secret"`, `secret_env: TEST_MISSING_SECRET`)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("expected error for unset secret env")
	}
}

func TestLoadRejectsBadPlans(t *testing.T) {
	cases := map[string]string{
		"duplicate code": baseConfig + `
  - code: PLAN_BASIC
    price_minor: 100
    chat_credits: 1
    validity_days: 1
`,
		"zero credits": strings.ReplaceAll(strings.ReplaceAll(baseConfig, "chat_credits: 100", "chat_credits: 0"), "quiz_credits: 20", "quiz_credits: 0"),
		"free plan":    strings.ReplaceAll(baseConfig, "price_minor: 9900000", "price_minor: 0"),
	}
	for name, contents := range cases {
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	contents := strings.ReplaceAll(baseConfig, "driver: sqlite", "driver: oracle")
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
