package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/inboxsync/internal/api"
	"github.com/matheus3301/inboxsync/internal/config"
	"github.com/matheus3301/inboxsync/internal/message"
	"github.com/matheus3301/inboxsync/internal/remote"
	"github.com/matheus3301/inboxsync/internal/store"
	"go.uber.org/fx"
)

// inboxServer is a minimal stand-in for the inbox REST API.
type inboxServer struct {
	mu     sync.Mutex
	nextID int64
	byExt  map[string]store.Message
}

func newInboxServer(t *testing.T) *httptest.Server {
	s := &inboxServer{nextID: 500, byExt: make(map[string]store.Message)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req remote.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		m, ok := s.byExt[req.ExternalID]
		if !ok {
			s.nextID++
			m = store.Message{
				ID:             s.nextID,
				ConversationID: req.ConversationID,
				SenderID:       1,
				SenderType:     "agent",
				Content:        req.Content,
				ExternalID:     req.ExternalID,
				Status:         "sent",
				CreatedAt:      time.Now().UTC(),
			}
			s.byExt[req.ExternalID] = m
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testParams builds Params rooted in a short temp dir (Unix socket paths are
// limited to ~104 chars on macOS) with a config file pointing at baseURL.
func testParams(t *testing.T, baseURL string) Params {
	t.Helper()
	for _, k := range []string{"INBOX_SERVER_URL", "INBOX_REALTIME_URL", "INBOX_TOKEN", "INBOX_USER_ID", "INBOX_MAX_RETRIES", "INBOX_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	tmpDir, err := os.MkdirTemp("/tmp", "inbox-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Sync.ProbeInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Sync.SettleDelay = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Identity.UserID = 1
	cfg.Log.Level = "error"
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := config.Save(configPath, cfg); err != nil {
		t.Fatal(err)
	}

	return Params{
		SessionName: "test",
		Dir:         filepath.Join(tmpDir, "s"),
		ConfigPath:  configPath,
		EnvPath:     filepath.Join(tmpDir, "missing.env"),
	}
}

func startApp(t *testing.T, p Params) (*fx.App, *api.Client) {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	client, err := api.Dial(p.socketPath())
	if err != nil {
		t.Fatal(err)
	}
	return app, client
}

func stopApp(t *testing.T, app *fx.App, client *api.Client) {
	t.Helper()
	_ = client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := testParams(t, "")
	if err := fx.ValidateApp(Module(p), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	srv := newInboxServer(t)
	p := testParams(t, srv.URL)
	app, client := startApp(t, p)
	defer stopApp(t, app, client)
	ctx := context.Background()

	info, err := client.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if info.Session != "test" {
		t.Errorf("session = %q, want test", info.Session)
	}

	waitFor(t, "prober to report online", func() bool {
		info, err := client.GetStatus(ctx)
		return err == nil && info.Online
	})

	// No realtime connection: the send goes through the queue.
	sent, err := client.SendMessage(ctx, api.SendRequest{ConversationID: 3, Content: "queued then synced"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.Status != message.StatusSending {
		t.Errorf("status = %q, want sending", sent.Status)
	}

	waitFor(t, "queue to drain", func() bool {
		items, err := client.ListQueue(ctx)
		return err == nil && len(items) == 0
	})

	waitFor(t, "confirmed message", func() bool {
		list, err := client.ListMessages(ctx, 3)
		if err != nil || len(list.Groups) != 1 || len(list.Groups[0].Messages) != 1 {
			return false
		}
		m := list.Groups[0].Messages[0]
		return m.ID > 500 && m.ExternalID == sent.TempID && m.Status == message.StatusSent
	})
}

func TestQueueSurvivesRestart(t *testing.T) {
	p := testParams(t, "")

	app, client := startApp(t, p)
	sent, err := client.SendMessage(context.Background(), api.SendRequest{ConversationID: 1, Content: "offline"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	stopApp(t, app, client)

	app, client = startApp(t, p)
	defer stopApp(t, app, client)

	items, err := client.ListQueue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != sent.TempID || items[0].Content != "offline" {
		t.Errorf("queue after restart = %+v", items)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	p := testParams(t, "")
	app, client := startApp(t, p)
	defer stopApp(t, app, client)

	other := p
	other.SocketPath = filepath.Join(filepath.Dir(p.Dir), "other.sock")
	app2 := fx.New(Module(other), fx.NopLogger)
	if app2.Err() == nil {
		t.Fatal("second daemon on the same session started, want lock error")
	}
}
