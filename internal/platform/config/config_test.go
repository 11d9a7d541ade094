package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"GIFTWELL_FIRESTORE_PROJECT_ID": "giftwell-dev",
		"GIFTWELL_PARTNER_BASE_URL":     "https://api.zma.example.com",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PubSub.ProjectID != "giftwell-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.ExecutionTopic != defaultExecutionTopic {
		t.Errorf("unexpected execution topic: %s", cfg.PubSub.ExecutionTopic)
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.DefaultPerMinute)
	}
	if cfg.Partner.AbortPollInterval != 10*time.Second {
		t.Errorf("unexpected abort poll interval: %s", cfg.Partner.AbortPollInterval)
	}
	if cfg.Partner.AbortPollAttempts != 12 {
		t.Errorf("unexpected abort poll attempts: %d", cfg.Partner.AbortPollAttempts)
	}
	if cfg.Scheduler.LookaheadDays != 7 {
		t.Errorf("unexpected lookahead days: %d", cfg.Scheduler.LookaheadDays)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Auth.Issuer != defaultAuthIssuer {
		t.Errorf("unexpected auth issuer: %s", cfg.Auth.Issuer)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatch {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"GIFTWELL_SERVER_PORT":                 "9090",
		"GIFTWELL_SERVER_READ_TIMEOUT":         "20s",
		"GIFTWELL_SERVER_WRITE_TIMEOUT":        "25s",
		"GIFTWELL_SERVER_IDLE_TIMEOUT":         "2m",
		"GIFTWELL_FIRESTORE_PROJECT_ID":        "giftwell-prod",
		"GIFTWELL_PUBSUB_PROJECT_ID":           "giftwell-queue",
		"GIFTWELL_PUBSUB_EXECUTION_TOPIC":      "executions-prod",
		"GIFTWELL_STRIPE_API_KEY":              "secret://stripe/api",
		"GIFTWELL_PARTNER_BASE_URL":            "https://api.zma.example.com",
		"GIFTWELL_PARTNER_API_TOKEN":           "secret://zma/token",
		"GIFTWELL_PARTNER_WEBHOOK_SECRET":      "secret://zma/webhook",
		"GIFTWELL_PARTNER_ABORT_POLL_INTERVAL": "5s",
		"GIFTWELL_PARTNER_ABORT_POLL_ATTEMPTS": "24",
		"GIFTWELL_PARTNER_RETRY_TIMEOUT":       "90s",
		"GIFTWELL_SCHEDULER_LOOKAHEAD_DAYS":    "14",
		"GIFTWELL_AUTH_SIGNING_SECRET":         "secret://auth/signing",
		"GIFTWELL_ENVIRONMENT":                 "prod",
		"GIFTWELL_HMAC_SECRETS":                "zma=secret://hmac/zma,ops=ops-secret",
		"GIFTWELL_HMAC_HEADER_SIGNATURE":       "X-Custom-Signature",
		"GIFTWELL_HMAC_CLOCK_SKEW":             "3m",
		"GIFTWELL_HMAC_NONCE_TTL":              "10m",
		"GIFTWELL_RATELIMIT_DEFAULT_PER_MIN":   "150",
		"GIFTWELL_RATELIMIT_AUTH_PER_MIN":      "300",
		"GIFTWELL_RATELIMIT_WEBHOOK_BURST":     "80",
		"GIFTWELL_IDEMPOTENCY_HEADER":          "X-Idem-Key",
		"GIFTWELL_IDEMPOTENCY_TTL":             "48h",
		"GIFTWELL_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"GIFTWELL_IDEMPOTENCY_CLEANUP_BATCH":    "500",
	}

	secrets := map[string]string{
		"secret://stripe/api":   "stripe-key",
		"secret://zma/token":    "zma-token",
		"secret://zma/webhook":  "zma-webhook",
		"secret://auth/signing": "auth-signing",
		"secret://hmac/zma":     "zma-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.PubSub.ProjectID != "giftwell-queue" {
		t.Errorf("expected explicit pubsub project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.ExecutionTopic != "executions-prod" {
		t.Errorf("unexpected execution topic %s", cfg.PubSub.ExecutionTopic)
	}
	if cfg.Payments.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.Payments.StripeAPIKey)
	}
	if cfg.Partner.APIToken != "zma-token" {
		t.Errorf("expected resolved partner token, got %s", cfg.Partner.APIToken)
	}
	if cfg.Partner.WebhookSecret != "zma-webhook" {
		t.Errorf("expected resolved webhook secret, got %s", cfg.Partner.WebhookSecret)
	}
	if cfg.Partner.AbortPollInterval != 5*time.Second {
		t.Errorf("unexpected abort poll interval %s", cfg.Partner.AbortPollInterval)
	}
	if cfg.Partner.AbortPollAttempts != 24 {
		t.Errorf("unexpected abort poll attempts %d", cfg.Partner.AbortPollAttempts)
	}
	if cfg.Partner.RetryTimeout != 90*time.Second {
		t.Errorf("unexpected retry timeout %s", cfg.Partner.RetryTimeout)
	}
	if cfg.Scheduler.LookaheadDays != 14 {
		t.Errorf("unexpected lookahead days %d", cfg.Scheduler.LookaheadDays)
	}
	if cfg.Auth.SigningSecret != "auth-signing" {
		t.Errorf("expected resolved auth secret, got %s", cfg.Auth.SigningSecret)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Security.HMAC.Secrets["zma"] != "zma-hmac" {
		t.Errorf("expected resolved zma hmac secret, got %s", cfg.Security.HMAC.Secrets["zma"])
	}
	if cfg.Security.HMAC.Secrets["ops"] != "ops-secret" {
		t.Errorf("expected ops secret passthrough, got %s", cfg.Security.HMAC.Secrets["ops"])
	}
	if cfg.Security.HMAC.SignatureHeader != "X-Custom-Signature" {
		t.Errorf("unexpected signature header %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Security.HMAC.NonceTTL != 10*time.Minute {
		t.Errorf("unexpected nonce ttl %s", cfg.Security.HMAC.NonceTTL)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "GIFTWELL_SERVER_PORT=7070\nGIFTWELL_FIRESTORE_PROJECT_ID=giftwell-dot\nGIFTWELL_PARTNER_BASE_URL=https://zma.dot.example.com\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "giftwell-dot" {
		t.Errorf("expected firestore project from dotenv, got %s", cfg.Firestore.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["GIFTWELL_STRIPE_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "GIFTWELL_FIRESTORE_PROJECT_ID=dot-project\nGIFTWELL_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("GIFTWELL_FIRESTORE_PROJECT_ID", "os-project")
	t.Setenv("GIFTWELL_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"GIFTWELL_FIRESTORE_PROJECT_ID": "override-project",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["GIFTWELL_FIRESTORE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["GIFTWELL_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["GIFTWELL_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Partner.WebhookSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Partner.WebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Partner.WebhookSecret" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Partner.WebhookSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := baseEnv()
	env["GIFTWELL_PARTNER_WEBHOOK_SECRET"] = "sm://zma/webhook"

	secrets := map[string]string{
		"secret://zma/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Partner.WebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Partner.WebhookSecret)
	}
}
