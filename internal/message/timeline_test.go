package message

import (
	"testing"
	"time"

	"github.com/matheus3301/inboxsync/internal/store"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func pendingMsg(tempID, content string, at time.Time) InboxMessage {
	return FromOffline(store.OfflineMessage{
		ID: tempID, ConversationID: 1, Content: content, Status: store.StatusQueued, CreatedAt: at,
	}, Author{ID: 7, Type: "agent"})
}

func serverMsg(id int64, externalID, content string, at time.Time) store.Message {
	return store.Message{
		ID: id, ConversationID: 1, SenderID: 7, SenderType: "agent",
		Content: content, ExternalID: externalID, Status: "sent", CreatedAt: at,
	}
}

// assertUnique fails if any logical message appears twice.
func assertUnique(t *testing.T, msgs []InboxMessage) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range msgs {
		key := m.ExternalID
		if key == "" {
			key = m.Identity().Key()
		}
		if seen[key] {
			t.Fatalf("duplicate entry for %s in %+v", key, msgs)
		}
		seen[key] = true
		if (m.TempID != "") == (m.ID != 0) {
			t.Fatalf("entry %+v must have exactly one of temp id and server id", m)
		}
	}
}

func TestReconcileReplacesInPlace(t *testing.T) {
	tl := NewTimeline(1)
	tl.Merge(serverMsg(1, "", "earlier", t0))
	tl.AddPending(pendingMsg("tmp-a", "hello", t0.Add(time.Minute)))
	tl.Merge(serverMsg(2, "", "later", t0.Add(2*time.Minute)))

	got := tl.Reconcile("tmp-a", serverMsg(100, "tmp-a", "hello", t0.Add(time.Minute)))
	if got.ID != 100 || got.TempID != "" || got.Status != StatusSent {
		t.Errorf("reconciled = %+v, want server id 100 with status sent", got)
	}

	msgs := tl.Messages()
	assertUnique(t, msgs)
	if len(msgs) != 3 || msgs[1].ID != 100 {
		t.Errorf("timeline = %+v, want reconciled entry in the middle", msgs)
	}
	if _, ok := tl.Get(Pending("tmp-a")); ok {
		t.Error("pending identity still present after reconcile")
	}
}

func TestEchoBeforeSyncedEvent(t *testing.T) {
	tl := NewTimeline(1)
	tl.AddPending(pendingMsg("tmp-a", "hello", t0))

	// The realtime echo carries the externalId and arrives first.
	tl.Merge(serverMsg(100, "tmp-a", "hello", t0))
	assertUnique(t, tl.Messages())

	// Then the coordinator reports the sync.
	tl.Reconcile("tmp-a", serverMsg(100, "tmp-a", "hello", t0))
	msgs := tl.Messages()
	assertUnique(t, msgs)
	if len(msgs) != 1 || msgs[0].ID != 100 {
		t.Errorf("timeline = %+v, want one confirmed entry", msgs)
	}
}

func TestEchoWithoutExternalIDCollapses(t *testing.T) {
	tl := NewTimeline(1)
	tl.AddPending(pendingMsg("tmp-a", "hello", t0))
	// An echo that lost its externalId shows up as a separate confirmed entry.
	tl.Merge(serverMsg(100, "", "hello", t0))
	if tl.Len() != 2 {
		t.Fatalf("len = %d, want 2 before reconcile", tl.Len())
	}

	tl.Reconcile("tmp-a", serverMsg(100, "tmp-a", "hello", t0))
	msgs := tl.Messages()
	assertUnique(t, msgs)
	if len(msgs) != 1 {
		t.Errorf("timeline = %+v, want a single entry", msgs)
	}
}

func TestAddPendingAfterConfirmationIsIgnored(t *testing.T) {
	tl := NewTimeline(1)
	tl.Reconcile("tmp-a", serverMsg(100, "tmp-a", "hello", t0))
	if tl.AddPending(pendingMsg("tmp-a", "hello", t0)) {
		t.Error("AddPending() = true for an already confirmed message")
	}
	assertUnique(t, tl.Messages())
}

func TestReceiptsAreMonotonic(t *testing.T) {
	tl := NewTimeline(1)
	tl.Merge(serverMsg(5, "", "x", t0))

	if _, ok := tl.ApplyReceipt(5, StatusRead); !ok {
		t.Fatal("read receipt not applied")
	}
	if _, ok := tl.ApplyReceipt(5, StatusDelivered); ok {
		t.Error("delivered receipt moved a read message backwards")
	}
	// A stale server copy does not regress the status either.
	tl.Merge(serverMsg(5, "", "x", t0))

	m, _ := tl.Get(Confirmed(5))
	if m.Status != StatusRead {
		t.Errorf("status = %s, want read", m.Status)
	}
	if _, ok := tl.ApplyReceipt(99, StatusRead); ok {
		t.Error("receipt applied to unknown message")
	}
}

func TestErrorOnlyFromSending(t *testing.T) {
	tl := NewTimeline(1)
	tl.AddPending(pendingMsg("tmp-a", "x", t0))

	m, ok := tl.MarkError("tmp-a", "boom")
	if !ok || m.Status != StatusError || m.Error != "boom" {
		t.Fatalf("MarkError() = (%+v, %v)", m, ok)
	}
	if _, ok := tl.MarkError("tmp-a", "again"); ok {
		t.Error("MarkError() changed an errored entry")
	}

	m, ok = tl.MarkSending("tmp-a")
	if !ok || m.Status != StatusSending || m.Error != "" {
		t.Errorf("MarkSending() = (%+v, %v)", m, ok)
	}

	tl.Reconcile("tmp-a", serverMsg(1, "tmp-a", "x", t0))
	if _, ok := tl.MarkError("tmp-a", "late"); ok {
		t.Error("MarkError() applied after confirmation")
	}
}

func TestInsertKeepsCreationOrder(t *testing.T) {
	tl := NewTimeline(1)
	tl.Merge(serverMsg(3, "", "c", t0.Add(3*time.Minute)))
	tl.Merge(serverMsg(1, "", "a", t0.Add(time.Minute)))
	tl.AddPending(pendingMsg("tmp", "b", t0.Add(2*time.Minute)))

	msgs := tl.Messages()
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	if len(contents) != 3 || contents[0] != "a" || contents[1] != "b" || contents[2] != "c" {
		t.Errorf("order = %v, want [a b c]", contents)
	}

	if !tl.Remove(Pending("tmp")) || tl.Len() != 2 {
		t.Error("Remove() did not drop the pending entry")
	}
}
