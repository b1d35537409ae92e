package outbox

import "github.com/matheus3301/inboxsync/internal/store"

// Bus event kinds published by the Coordinator.
const (
	EventSyncStarted     = "sync.started"
	EventSyncProgress    = "sync.progress"
	EventSyncCompleted   = "sync.completed"
	EventMessageSynced   = "message.synced"
	EventMessageRequeued = "message.requeued"
	EventMessageFailed   = "message.failed"
)

// Outcome is the result of one entry within a drain pass.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRequeued Outcome = "requeued"
	OutcomeFailed   Outcome = "failed"
)

// SyncResult summarises one drain pass.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// SyncStarted is the payload of sync.started.
type SyncStarted struct {
	Total int `json:"total"`
}

// SyncProgress is the payload of sync.progress, published after each entry.
type SyncProgress struct {
	Index     int     `json:"index"`
	Total     int     `json:"total"`
	OfflineID string  `json:"offlineId"`
	Outcome   Outcome `json:"outcome"`
}

// Synced is the payload of message.synced. Message is the canonical server copy.
type Synced struct {
	OfflineID      string         `json:"offlineId"`
	ServerID       int64          `json:"serverId"`
	ConversationID int64          `json:"conversationId"`
	Message        *store.Message `json:"message"`
}

// Requeued is the payload of message.requeued.
type Requeued struct {
	OfflineID      string `json:"offlineId"`
	ConversationID int64  `json:"conversationId"`
	RetryCount     int    `json:"retryCount"`
	Error          string `json:"error"`
}

// Failed is the payload of message.failed. The entry needs a manual retry.
type Failed struct {
	OfflineID      string `json:"offlineId"`
	ConversationID int64  `json:"conversationId"`
	RetryCount     int    `json:"retryCount"`
	Error          string `json:"error"`
}
