package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  address: 127.0.0.1
  port: 9090
storage:
  db_path: /tmp/db
  blob_path: /tmp/blobs
auth:
  token_secret: s3cret
  token_ttl: 12h
security:
  cors:
    allowed_origins: ["https://app.example"]
  rate_limit:
    rps: 50
    burst: 100
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 720h
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr())
	}
	if cfg.Auth.TokenSecret != "s3cret" || cfg.Auth.TokenTTL != "12h" {
		t.Fatalf("unexpected auth: %+v", cfg.Auth)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Cron != "0 3 * * *" {
		t.Fatalf("unexpected retention: %+v", cfg.Retention)
	}
	if len(cfg.Security.CORS.AllowedOrigins) != 1 {
		t.Fatalf("unexpected cors: %+v", cfg.Security.CORS)
	}
}

func TestAddrDefaults(t *testing.T) {
	var cfg Config
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected default addr: %s", cfg.Addr())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATSTREAM_ADDR", "127.0.0.1:7000")
	t.Setenv("CHATSTREAM_DB_PATH", "/tmp/envdb")
	t.Setenv("CHATSTREAM_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHATSTREAM_RATE_RPS", "12.5")
	t.Setenv("CHATSTREAM_RETENTION_ENABLED", "true")

	var cfg Config
	if !LoadEnvOverrides(&cfg) {
		t.Fatalf("expected env to be used")
	}
	if cfg.Addr() != "127.0.0.1:7000" {
		t.Fatalf("unexpected addr: %s", cfg.Addr())
	}
	if cfg.Storage.DBPath != "/tmp/envdb" {
		t.Fatalf("unexpected db path: %s", cfg.Storage.DBPath)
	}
	if len(cfg.Security.CORS.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins: %v", cfg.Security.CORS.AllowedOrigins)
	}
	if cfg.Security.RateLimit.RPS != 12.5 {
		t.Fatalf("unexpected rps: %v", cfg.Security.RateLimit.RPS)
	}
	if !cfg.Retention.Enabled {
		t.Fatalf("retention should be enabled")
	}
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected empty config")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("./flag.yaml", true); got != "./flag.yaml" {
		t.Fatalf("flag should win: %s", got)
	}
	t.Setenv("CHATSTREAM_CONFIG", "/etc/chatstream.yaml")
	if got := ResolveConfigPath("./flag.yaml", false); got != "/etc/chatstream.yaml" {
		t.Fatalf("env should win when flag unset: %s", got)
	}
}
