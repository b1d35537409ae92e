package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.inboxsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	Server         ServerConfig   `toml:"server"`
	Sync           SyncConfig     `toml:"sync"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Identity       IdentityConfig `toml:"identity"`
	Log            LogConfig      `toml:"log"`
}

// ServerConfig locates the inbox server.
type ServerConfig struct {
	BaseURL        string   `toml:"base_url"`
	RealtimeURL    string   `toml:"realtime_url"`
	Token          string   `toml:"token"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// SyncConfig tunes the offline queue drain.
type SyncConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	SettleDelay   Duration `toml:"settle_delay"`
	PollInterval  Duration `toml:"poll_interval"`
	ProbeInterval Duration `toml:"probe_interval"`
	SendTimeout   Duration `toml:"send_timeout"`
}

// RealtimeConfig tunes the socket connection.
type RealtimeConfig struct {
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	PingInterval         Duration `toml:"ping_interval"`
}

// IdentityConfig identifies the local user as a message sender.
type IdentityConfig struct {
	UserID   int64  `toml:"user_id"`
	UserType string `toml:"user_type"`
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "750ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{RequestTimeout: Duration{15 * time.Second}},
		Sync: SyncConfig{
			MaxRetries:    3,
			SettleDelay:   Duration{750 * time.Millisecond},
			PollInterval:  Duration{30 * time.Second},
			ProbeInterval: Duration{10 * time.Second},
			SendTimeout:   Duration{20 * time.Second},
		},
		Realtime: RealtimeConfig{
			ReconnectBaseDelay: Duration{time.Second},
			ReconnectMaxDelay:  Duration{30 * time.Second},
			PingInterval:       Duration{25 * time.Second},
		},
		Identity: IdentityConfig{UserType: "agent"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads envFile (if it exists) into the process environment without
// overriding variables already set, then overlays INBOX_* variables on cfg.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if v := os.Getenv("INBOX_SERVER_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("INBOX_REALTIME_URL"); v != "" {
		cfg.Server.RealtimeURL = v
	}
	if v := os.Getenv("INBOX_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("INBOX_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("INBOX_USER_ID: %w", err)
		}
		cfg.Identity.UserID = id
	}
	if v := os.Getenv("INBOX_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("INBOX_MAX_RETRIES: invalid value %q", v)
		}
		cfg.Sync.MaxRetries = n
	}
	if v := os.Getenv("INBOX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}
