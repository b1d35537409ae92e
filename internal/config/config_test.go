package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.BaseURL = "https://inbox.example.com"
	cfg.Sync.SettleDelay = Duration{time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Server.BaseURL != "https://inbox.example.com" {
		t.Errorf("BaseURL = %q", loaded.Server.BaseURL)
	}
	if loaded.Sync.SettleDelay.Duration != time.Second {
		t.Errorf("SettleDelay = %v, want 1s", loaded.Sync.SettleDelay)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[sync]\nsettle_delay = \"500ms\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.SettleDelay.Duration != 500*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 500ms", cfg.Sync.SettleDelay)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Sync.MaxRetries)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\nsettle_delay = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	data := "INBOX_SERVER_URL=https://from-dotenv\nINBOX_TOKEN=dotenv-token\n"
	if err := os.WriteFile(envFile, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INBOX_SERVER_URL", "")
	t.Setenv("INBOX_TOKEN", "from-env")
	t.Setenv("INBOX_USER_ID", "42")
	t.Setenv("INBOX_MAX_RETRIES", "5")
	t.Setenv("INBOX_LOG_LEVEL", "debug")
	os.Unsetenv("INBOX_SERVER_URL")

	cfg := Default()
	if err := ApplyEnv(cfg, envFile); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.BaseURL != "https://from-dotenv" {
		t.Errorf("BaseURL = %q, want value from .env", cfg.Server.BaseURL)
	}
	if cfg.Server.Token != "from-env" {
		t.Errorf("Token = %q, environment must win over .env", cfg.Server.Token)
	}
	if cfg.Identity.UserID != 42 || cfg.Sync.MaxRetries != 5 || cfg.Log.Level != "debug" {
		t.Errorf("overlay = %+v %+v %+v", cfg.Identity, cfg.Sync, cfg.Log)
	}
}

func TestApplyEnvMissingFileAndBadValue(t *testing.T) {
	cfg := Default()
	if err := ApplyEnv(cfg, filepath.Join(t.TempDir(), "none.env")); err != nil {
		t.Errorf("ApplyEnv() with missing file = %v, want nil", err)
	}

	t.Setenv("INBOX_MAX_RETRIES", "zero")
	if err := ApplyEnv(cfg, ""); err == nil {
		t.Error("ApplyEnv() expected error for invalid INBOX_MAX_RETRIES")
	}
}
