package message

import (
	"slices"
	"sync"

	"github.com/matheus3301/inboxsync/internal/store"
)

// Timeline is the ordered list of rendered messages for one conversation.
// Every mutation happens under one lock, so readers never observe a logical
// message twice while it moves from pending to confirmed.
type Timeline struct {
	mu             sync.Mutex
	conversationID int64
	entries        []InboxMessage
}

// NewTimeline creates an empty timeline.
func NewTimeline(conversationID int64) *Timeline {
	return &Timeline{conversationID: conversationID}
}

func (t *Timeline) ConversationID() int64 { return t.conversationID }

// AddPending adds or replaces an optimistic entry. It is ignored when the
// server copy of the same message is already present.
func (t *Timeline) AddPending(m InboxMessage) bool {
	if m.TempID == "" {
		return false
	}
	m.ID = 0

	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexLocked(Pending(m.TempID)); i >= 0 {
		t.entries[i] = m
		return true
	}
	if t.confirmedForLocked(m.TempID) >= 0 {
		return false
	}
	t.insertLocked(m)
	return true
}

// Reconcile swaps the pending entry tempID for its server copy. If the server
// copy already arrived through another path, the two collapse into a single
// entry at the pending entry's position. A missing pending entry results in
// the server copy being inserted or updated.
func (t *Timeline) Reconcile(tempID string, server store.Message) InboxMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconcileLocked(tempID, server)
}

// Merge applies a server message from any source. Echoes of a pending entry
// are matched through their externalId.
func (t *Timeline) Merge(server store.Message) InboxMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconcileLocked(server.ExternalID, server)
}

func (t *Timeline) reconcileLocked(tempID string, server store.Message) InboxMessage {
	next := FromServer(server)
	if next.ExternalID == "" {
		next.ExternalID = tempID
	}

	ti := -1
	if tempID != "" {
		ti = t.indexLocked(Pending(tempID))
	}
	si := t.indexLocked(Confirmed(server.ID))
	if si >= 0 {
		if s, changed := t.entries[si].Status.Advance(next.Status); !changed {
			next.Status = s
			next.Message.Status = string(s)
		}
	}

	switch {
	case ti >= 0 && si >= 0:
		t.entries[ti] = next
		t.entries = slices.Delete(t.entries, si, si+1)
	case ti >= 0:
		t.entries[ti] = next
	case si >= 0:
		t.entries[si] = next
	default:
		t.insertLocked(next)
	}
	return next
}

// ApplyReceipt moves a confirmed message forward to status. Receipts never
// move a message backwards.
func (t *Timeline) ApplyReceipt(serverID int64, status DeliveryStatus) (InboxMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(Confirmed(serverID))
	if i < 0 {
		return InboxMessage{}, false
	}
	s, changed := t.entries[i].Status.Advance(status)
	if !changed {
		return t.entries[i], false
	}
	t.entries[i].Status = s
	t.entries[i].Message.Status = string(s)
	return t.entries[i], true
}

// MarkError flags a pending entry as terminally failed.
func (t *Timeline) MarkError(tempID, errMsg string) (InboxMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(Pending(tempID))
	if i < 0 {
		return InboxMessage{}, false
	}
	s, changed := t.entries[i].Status.Advance(StatusError)
	if !changed {
		return t.entries[i], false
	}
	t.entries[i].Status = s
	t.entries[i].Error = errMsg
	return t.entries[i], true
}

// MarkSending puts an errored pending entry back to sending.
func (t *Timeline) MarkSending(tempID string) (InboxMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(Pending(tempID))
	if i < 0 || t.entries[i].Status != StatusError {
		return InboxMessage{}, false
	}
	t.entries[i].Status = StatusSending
	t.entries[i].Error = ""
	return t.entries[i], true
}

// Remove drops an entry.
func (t *Timeline) Remove(id Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	return true
}

// Get returns the entry with the given identity.
func (t *Timeline) Get(id Identity) (InboxMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(id)
	if i < 0 {
		return InboxMessage{}, false
	}
	return t.entries[i], true
}

// Messages returns a snapshot of the timeline in display order.
func (t *Timeline) Messages() []InboxMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.entries)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) indexLocked(id Identity) int {
	return slices.IndexFunc(t.entries, func(m InboxMessage) bool { return m.Identity() == id })
}

func (t *Timeline) confirmedForLocked(tempID string) int {
	return slices.IndexFunc(t.entries, func(m InboxMessage) bool {
		return m.TempID == "" && m.ExternalID == tempID
	})
}

// insertLocked keeps entries ordered by creation time, after any entry with
// the same timestamp.
func (t *Timeline) insertLocked(m InboxMessage) {
	i := slices.IndexFunc(t.entries, func(e InboxMessage) bool { return e.CreatedAt.After(m.CreatedAt) })
	if i < 0 {
		i = len(t.entries)
	}
	t.entries = slices.Insert(t.entries, i, m)
}
