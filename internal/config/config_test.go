package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plurapp/ai-engine/internal/domain/job"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromPathMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
limits:
  max_active_jobs: 5
  cooldowns:
    magic_post: 45s
storage:
  driver: s3
  bucket: plur-artifacts
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	// Untouched sections keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Limits.MaxActiveJobs != 5 {
		t.Fatalf("max active = %d", cfg.Limits.MaxActiveJobs)
	}
	if cfg.Limits.Cooldowns[job.TypeMagicPost] != 45*time.Second {
		t.Fatalf("cooldown = %s", cfg.Limits.Cooldowns[job.TypeMagicPost])
	}
	if cfg.Storage.Bucket != "plur-artifacts" {
		t.Fatalf("bucket = %s", cfg.Storage.Bucket)
	}
}

func TestLoadRejectsUnknownProviderRoute(t *testing.T) {
	path := writeConfig(t, `
providers:
  llm:
    default: does_not_exist
`)
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: s3
`)
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/engine")
	t.Setenv("JWT_SECRET", "sssh")

	cfg := Default()
	cfg.applyEnv()
	if cfg.Database.URL != "postgres://env-host/engine" {
		t.Fatalf("database url = %s", cfg.Database.URL)
	}
	if cfg.Auth.JWTSecret != "sssh" {
		t.Fatalf("jwt secret = %s", cfg.Auth.JWTSecret)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
