package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueue(t *testing.T, db *DB, id string, conversationID int64, content string) {
	t.Helper()
	if err := db.Enqueue(&OfflineMessage{ID: id, ConversationID: conversationID, Content: content}); err != nil {
		t.Fatalf("Enqueue(%s) error = %v", id, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("version = %d -> %d, want 2 -> 2 (init + messages)", result.From, result.Version)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 2 || !result.Changed {
		t.Errorf("result = %+v, want 0 -> 2, changed", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "pending", 1, "keep me")
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}

	_, err := db.Migrate()
	if !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("Migrate() error = %v, want ErrDirtySchema", err)
	}
	if !strings.Contains(err.Error(), "version 2") {
		t.Errorf("error = %q, want it to name version 2", err)
	}
	if got, err := db.Get("pending"); err != nil || got.Content != "keep me" {
		t.Errorf("queued entry after refused migration = %+v, %v", got, err)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	db := testDB(t)
	replyTo := int64(77)
	m := &OfflineMessage{
		ID:             "a",
		ConversationID: 9,
		Content:        "hello",
		IsInternal:     true,
		ReplyToID:      &replyTo,
		Attachments:    []Attachment{{FileID: "f1", Name: "x.png", MimeType: "image/png", Size: 10}},
	}
	if err := db.Enqueue(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued || got.RetryCount != 0 {
		t.Errorf("status = %s retry = %d, want queued/0", got.Status, got.RetryCount)
	}
	if !got.IsInternal || got.ReplyToID == nil || *got.ReplyToID != 77 {
		t.Errorf("got %+v, want internal reply to 77", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].FileID != "f1" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestListQueuedIsFIFO(t *testing.T) {
	db := testDB(t)
	// Ids deliberately out of lexical order.
	ids := []string{"z", "a", "m", "b"}
	for _, id := range ids {
		enqueue(t, db, id, 1, "body "+id)
	}

	got, err := db.ListQueued()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("got %d entries, want %d", len(got), len(ids))
	}
	for i, id := range ids {
		if got[i].ID != id {
			t.Errorf("entry %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestListQueuedIncludesInterruptedAndExcludesFailed(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "q", 1, "queued")
	enqueue(t, db, "s", 1, "syncing")
	enqueue(t, db, "f", 1, "failed")

	if err := db.UpdateStatus("s", StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus("f", StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListQueued()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "q" || got[1].ID != "s" {
		t.Errorf("ListQueued = %v, want [q s]", ids(got))
	}

	failed, err := db.ListFailed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LastError != "boom" {
		t.Errorf("ListFailed = %+v", failed)
	}
}

func TestIDNeverReused(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "once", 1, "x")

	if err := db.Enqueue(&OfflineMessage{ID: "once", ConversationID: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate Enqueue error = %v, want ErrDuplicateID", err)
	}

	if err := db.Remove("once"); err != nil {
		t.Fatal(err)
	}
	if err := db.Enqueue(&OfflineMessage{ID: "once", ConversationID: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Enqueue after Remove error = %v, want ErrDuplicateID", err)
	}
}

func TestEnqueueFailurePropagates(t *testing.T) {
	db := testDB(t)
	_ = db.Close()

	if err := db.Enqueue(&OfflineMessage{ID: "x", ConversationID: 1}); err == nil {
		t.Fatal("Enqueue on closed db should fail")
	}
}

func TestUpdateStatusRetryCounting(t *testing.T) {
	tests := []struct {
		name  string
		steps []QueueStatus
		want  int
	}{
		{"initial enqueue", nil, 0},
		{"syncing only", []QueueStatus{StatusSyncing}, 0},
		{"one failed attempt", []QueueStatus{StatusSyncing, StatusQueued}, 1},
		{"two failed attempts", []QueueStatus{StatusSyncing, StatusQueued, StatusSyncing, StatusQueued}, 2},
		{"queued to queued", []QueueStatus{StatusQueued, StatusQueued}, 0},
		{"terminal failure", []QueueStatus{StatusSyncing, StatusQueued, StatusFailed}, 1},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			id := fmt.Sprintf("m%d", i)
			enqueue(t, db, id, 1, "x")
			for _, s := range tt.steps {
				if err := db.UpdateStatus(id, s, "err"); err != nil {
					t.Fatal(err)
				}
			}
			got, err := db.Get(id)
			if err != nil {
				t.Fatal(err)
			}
			if got.RetryCount != tt.want {
				t.Errorf("retry_count = %d, want %d", got.RetryCount, tt.want)
			}
		})
	}
}

func TestUpdateStatusKeepsLastErrorWhenEmpty(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "a", 1, "x")
	if err := db.UpdateStatus("a", StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus("a", StatusQueued, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus("a", StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get("a")
	if got.LastError != "timeout" {
		t.Errorf("last_error = %q, want timeout", got.LastError)
	}
}

func TestUpdateStatusUnknownID(t *testing.T) {
	db := testDB(t)
	if err := db.UpdateStatus("nope", StatusQueued, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if err := db.Remove("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove error = %v, want ErrNotFound", err)
	}
	if _, err := db.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestResetForRetry(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "a", 1, "x")
	for range 3 {
		_ = db.UpdateStatus("a", StatusSyncing, "")
		_ = db.UpdateStatus("a", StatusQueued, "down")
	}
	_ = db.UpdateStatus("a", StatusFailed, "down")

	if err := db.ResetForRetry("a"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get("a")
	if got.Status != StatusQueued || got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("after reset = %+v, want queued/0/no error", got)
	}
}

func TestListForConversationAndCount(t *testing.T) {
	db := testDB(t)
	enqueue(t, db, "a1", 1, "x")
	enqueue(t, db, "b1", 2, "x")
	enqueue(t, db, "a2", 1, "x")
	_ = db.UpdateStatus("a2", StatusFailed, "gone")

	conv, err := db.ListForConversation(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 2 || conv[0].ID != "a1" || conv[1].ID != "a2" {
		t.Errorf("ListForConversation(1) = %v, want [a1 a2]", ids(conv))
	}

	n, err := db.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 2 || stats.Failed != 1 || stats.Syncing != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	enqueue(t, db, "a", 1, "x")
	enqueue(t, db, "b", 1, "y")
	_ = db.UpdateStatus("b", StatusFailed, "gone")
	_ = db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	all, err := db.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1].Status != StatusFailed {
		t.Errorf("after reopen = %+v", all)
	}
}

func TestUpsertMessageStatusIsMonotonic(t *testing.T) {
	db := testDB(t)
	m := &Message{ID: 10, ConversationID: 1, SenderID: 5, SenderType: "agent", Content: "hi", Status: "read", CreatedAt: time.UnixMilli(1000)}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// A stale echo must not regress the status.
	stale := *m
	stale.Status = "sent"
	stale.Content = "hi (edited)"
	if err := db.UpsertMessage(&stale); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "read" {
		t.Errorf("status = %q, want read", got.Status)
	}
	if got.Content != "hi (edited)" {
		t.Errorf("content = %q, want edited content", got.Content)
	}
}

func TestAdvanceMessageStatus(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertMessage(&Message{ID: 1, ConversationID: 1, CreatedAt: time.UnixMilli(1)}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		status string
		want   bool
	}{
		{"delivered", true},
		{"delivered", false},
		{"sent", false},
		{"read", true},
		{"delivered", false},
	}
	for _, s := range steps {
		changed, err := db.AdvanceMessageStatus(1, s.status)
		if err != nil {
			t.Fatal(err)
		}
		if changed != s.want {
			t.Errorf("Advance(%s) = %v, want %v", s.status, changed, s.want)
		}
	}

	changed, err := db.AdvanceMessageStatus(999, "read")
	if err != nil || changed {
		t.Errorf("Advance(unknown) = %v, %v; want false, nil", changed, err)
	}
}

func TestListMessagesChronological(t *testing.T) {
	db := testDB(t)
	batch := []*Message{
		{ID: 3, ConversationID: 1, Content: "c", CreatedAt: time.UnixMilli(3000), ReadBy: []int64{7}},
		{ID: 1, ConversationID: 1, Content: "a", CreatedAt: time.UnixMilli(1000), ExternalID: "ext-1"},
		{ID: 2, ConversationID: 1, Content: "b", CreatedAt: time.UnixMilli(2000)},
		{ID: 4, ConversationID: 2, Content: "other", CreatedAt: time.UnixMilli(1500)},
	}
	if err := db.UpsertMessages(batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != 2 || msgs[1].ID != 3 {
		t.Fatalf("ListMessages(1, 2) ids = %v, want [2 3]", msgIDs(msgs))
	}
	if len(msgs[1].ReadBy) != 1 || msgs[1].ReadBy[0] != 7 {
		t.Errorf("read_by = %v, want [7]", msgs[1].ReadBy)
	}

	first, err := db.GetMessage(1)
	if err != nil {
		t.Fatal(err)
	}
	if first.ExternalID != "ext-1" {
		t.Errorf("external_id = %q, want ext-1", first.ExternalID)
	}
}

func TestState(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetState("last_sync"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetState(missing) error = %v, want ErrNotFound", err)
	}
	if err := db.SetState("last_sync", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState("last_sync", "2"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetState("last_sync")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2" {
		t.Errorf("GetState = %q, want 2", v)
	}
}

func ids(msgs []OfflineMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func msgIDs(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
