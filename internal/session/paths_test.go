package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".inboxsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"db", DBPath("test"), filepath.Join("sessions", "test", "inbox.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "inboxd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.want) {
				t.Errorf("got %q, want suffix %q", tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s: dir=%v perm=%o", d, info.IsDir(), info.Mode().Perm())
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultSessionName)
	}

	if err := os.MkdirAll(BaseDir(), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ConfigPath(), []byte(`default_session = "cfg"`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "cfg" {
		t.Errorf("Resolve() = %q, want cfg", got)
	}

	t.Setenv(EnvSession, "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("Resolve() = %q, want env", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
