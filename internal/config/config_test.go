package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerAddress != ":8080" {
		t.Fatalf("ServerAddress = %q", cfg.ServerAddress)
	}
	if cfg.Realtime.RingTimeout != 30*time.Second {
		t.Fatalf("RingTimeout = %s", cfg.Realtime.RingTimeout)
	}
	if got := cfg.Limits["dm:send"]; got.Count != 60 || got.Per != time.Minute {
		t.Fatalf("dm:send limit = %+v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "messager.yaml")
	yaml := `
server_address: ":9000"
redis_url: "redis://file:6379/0"
ice_servers:
  - urls: ["stun:stun.example.org:3478"]
limits:
  dm:send:
    count: 5
    per: 10s
realtime:
  ring_timeout: 45s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerAddress != ":9000" {
		t.Fatalf("ServerAddress = %q, want file value", cfg.ServerAddress)
	}
	if cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("RedisURL = %q, want env override", cfg.RedisURL)
	}
	if got := cfg.Limits["dm:send"]; got.Count != 5 || got.Per != 10*time.Second {
		t.Fatalf("dm:send limit = %+v", got)
	}
	if got := cfg.Limits["dm:typing"]; got.Count != 1 {
		t.Fatalf("dm:typing default lost: %+v", got)
	}
	if cfg.Realtime.RingTimeout != 45*time.Second {
		t.Fatalf("RingTimeout = %s", cfg.Realtime.RingTimeout)
	}
	if cfg.Realtime.TypingExpiry != 5*time.Second {
		t.Fatalf("TypingExpiry default lost: %s", cfg.Realtime.TypingExpiry)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("ICEServers = %+v", cfg.ICEServers)
	}
}

func TestValidateRequiresKey(t *testing.T) {
	cfg := &Config{Limits: DefaultLimits(), Realtime: DefaultRealtime()}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without any verification key")
	}
}

func TestUpdateDatabasePathKeepsScheme(t *testing.T) {
	cfg := &Config{DatabaseURL: "sqlite:///var/lib/messager.db"}
	cfg.UpdateDatabasePath("/tmp/loadtest.db")
	if cfg.DatabaseURL != "sqlite:///tmp/loadtest.db" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.CleanDatabasePath() != "/tmp/loadtest.db" {
		t.Fatalf("CleanDatabasePath = %q", cfg.CleanDatabasePath())
	}
}
