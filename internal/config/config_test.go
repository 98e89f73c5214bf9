package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Mode != "release" {
		t.Fatalf("server.mode = %q, want release", cfg.Server.Mode)
	}
	if !cfg.Toolkit.Enabled {
		t.Fatalf("toolkit.enabled = false, want true")
	}
	if cfg.Toolkit.MaxPayloadChars != 20000 {
		t.Fatalf("toolkit.max_payload_chars = %d, want 20000", cfg.Toolkit.MaxPayloadChars)
	}
	if cfg.PolicyCache.TTLSeconds != 30 {
		t.Fatalf("policy_cache.ttl_seconds = %d, want 30", cfg.PolicyCache.TTLSeconds)
	}
	if cfg.Idempotency.DefaultTTLSeconds != 86400 {
		t.Fatalf("idempotency.default_ttl_seconds = %d, want 86400", cfg.Idempotency.DefaultTTLSeconds)
	}
	if cfg.Idempotency.CleanupSchedule != "*/10 * * * *" {
		t.Fatalf("idempotency.cleanup_schedule = %q", cfg.Idempotency.CleanupSchedule)
	}
	if cfg.Security.APIKey.Algorithm != APIKeyAlgorithmSHA256 {
		t.Fatalf("security.api_key.algorithm = %q", cfg.Security.APIKey.Algorithm)
	}
}

func TestLoadFromEnv(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())
	t.Setenv("GATEKIT_SERVER_PORT", "9191")
	t.Setenv("GATEKIT_TOOLKIT_MAX_PAYLOAD_CHARS", "512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Fatalf("server.port = %d, want 9191 from env", cfg.Server.Port)
	}
	if cfg.Toolkit.MaxPayloadChars != 512 {
		t.Fatalf("toolkit.max_payload_chars = %d, want 512 from env", cfg.Toolkit.MaxPayloadChars)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	bad := *cfg
	bad.Server.Port = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() should reject port 0")
	}

	bad = *cfg
	bad.Security.APIKey.Algorithm = "md5"
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() should reject md5 digest")
	}

	bad = *cfg
	bad.PolicyCache.TTLSeconds = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() should reject zero policy cache ttl")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "app", DBName: "gatekit", SSLMode: "disable"}
	if got := d.DSN(); got != "host=db port=5432 user=app dbname=gatekit sslmode=disable" {
		t.Fatalf("DSN() = %q", got)
	}
	d.Password = "secret"
	if got := d.DSN(); got != "host=db port=5432 user=app password=secret dbname=gatekit sslmode=disable" {
		t.Fatalf("DSN() with password = %q", got)
	}
}
