package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 60s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "stagegate" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Roles.MappingFile != "/etc/stagegate/roles.yaml" {
		t.Errorf("Roles.MappingFile = %q", cfg.Roles.MappingFile)
	}
	if cfg.Roles.Cache.TTL != 2*time.Minute {
		t.Errorf("Roles.Cache.TTL = %v, want 2m", cfg.Roles.Cache.TTL)
	}
	if cfg.Workflow.MaxRetries != 8 {
		t.Errorf("Workflow.MaxRetries = %d, want 8", cfg.Workflow.MaxRetries)
	}
	if cfg.Workflow.Store.Driver != "postgres" || !cfg.Workflow.Store.AutoMigrate {
		t.Errorf("Workflow.Store = %+v", cfg.Workflow.Store)
	}
	if len(cfg.Workflow.CancelRoles) != 1 || cfg.Workflow.CancelRoles[0] != "Supervisor" {
		t.Errorf("Workflow.CancelRoles = %v", cfg.Workflow.CancelRoles)
	}
	if cfg.Idempotency.Store.DefaultTTL != time.Hour {
		t.Errorf("Idempotency.Store.DefaultTTL = %v, want 1h", cfg.Idempotency.Store.DefaultTTL)
	}
	if cfg.Evidence.S3.Bucket != "stagegate-evidence" {
		t.Errorf("Evidence.S3.Bucket = %q", cfg.Evidence.S3.Bucket)
	}
	if cfg.Evidence.MaxUploadBytes != 32<<20 {
		t.Errorf("Evidence.MaxUploadBytes = %d, want default", cfg.Evidence.MaxUploadBytes)
	}
	if cfg.Notification.Queue.Name != "transitions" {
		t.Errorf("Notification.Queue.Name = %q, want default transitions", cfg.Notification.Queue.Name)
	}
	if cfg.Notification.Webhook.Headers["X-Api-Key"] != "abc" {
		t.Errorf("Notification.Webhook.Headers = %v", cfg.Notification.Webhook.Headers)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_bad_drivers(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() with bad drivers should return error")
	}
	for _, want := range []string{
		"workflow.store.dsn",
		`evidence.driver "ftp"`,
		"notification.queue.redis_addr",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Roles.Cache.TTL != 5*time.Minute {
		t.Errorf("default Roles.Cache.TTL = %v, want 5m", cfg.Roles.Cache.TTL)
	}
	if cfg.Workflow.Store.Driver != "memory" {
		t.Errorf("default Workflow.Store.Driver = %q, want memory", cfg.Workflow.Store.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAGEGATE_SERVER_PORT", "3000")
	t.Setenv("STAGEGATE_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("STAGEGATE_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("STAGEGATE_LOG_LEVEL", "error")
	t.Setenv("STAGEGATE_WORKFLOW_STORE_DSN", "postgres://env/stagegate")
	t.Setenv("STAGEGATE_TEMPLATES_DIRECTORIES", "/a,/b")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Workflow.Store.DSN != "postgres://env/stagegate" {
		t.Errorf("Workflow.Store.DSN = %q, want env override", cfg.Workflow.Store.DSN)
	}
	if len(cfg.Templates.Directories) != 2 || cfg.Templates.Directories[1] != "/b" {
		t.Errorf("Templates.Directories = %v, want [/a /b]", cfg.Templates.Directories)
	}
}

func TestEnvOverrides_invalidValue(t *testing.T) {
	t.Setenv("STAGEGATE_SERVER_PORT", "not-a-port")

	if _, err := Load("testdata/valid.yaml"); err == nil {
		t.Fatal("Load() with malformed env value should return error")
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "stagegate"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_defaults_with_identity(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "stagegate"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
