package session

import (
	"os"

	"github.com/matheus3301/inboxsync/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the environment variable that selects a session.
const EnvSession = "INBOX_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. INBOX_SESSION
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := os.Getenv(EnvSession); v != "" {
		return v
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
