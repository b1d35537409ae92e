package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/inboxsync/internal/bus"
	"github.com/matheus3301/inboxsync/internal/remote"
)

func TestNetworkPublishesOnEdgesOnly(t *testing.T) {
	b := bus.New()
	var kinds []string
	unsub := b.Listen("network.", func(e bus.Event) { kinds = append(kinds, e.Kind) })
	defer unsub()

	n := NewNetwork(b)
	if n.Online() {
		t.Fatal("network starts online, want offline")
	}

	steps := []struct {
		online  bool
		changed bool
	}{
		{true, true},
		{true, false},
		{false, true},
		{false, false},
		{true, true},
	}
	for i, s := range steps {
		if got := n.SetOnline(s.online); got != s.changed {
			t.Errorf("step %d SetOnline(%v) changed = %v, want %v", i, s.online, got, s.changed)
		}
	}

	want := []string{EventOnline, EventOffline, EventOnline}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestListenerSeesNewState(t *testing.T) {
	b := bus.New()
	n := NewNetwork(b)
	var seen bool
	unsub := b.Listen(EventOnline, func(bus.Event) { seen = n.Online() })
	defer unsub()

	n.SetOnline(true)
	if !seen {
		t.Error("listener observed Online() = false during online edge")
	}
}

func TestProberDrivesNetwork(t *testing.T) {
	n := NewNetwork(nil)
	var healthy atomic.Bool
	healthy.Store(true)

	p := NewProber(n, func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("dial tcp: connection refused")
	}, 20*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	waitUntil(t, func() bool { return n.Online() })
	healthy.Store(false)
	waitUntil(t, func() bool { return !n.Online() })
}

func TestProberTreatsAnyHTTPReplyAsOnline(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))

	n := NewNetwork(nil)
	client := remote.New(remote.Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
	p := NewProber(n, client.Ping, 20*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	waitUntil(t, func() bool { return n.Online() })

	code.Store(http.StatusUnauthorized)
	time.Sleep(60 * time.Millisecond)
	if !n.Online() {
		t.Fatal("401 from the server took the network offline")
	}

	srv.Close()
	waitUntil(t, func() bool { return !n.Online() })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
