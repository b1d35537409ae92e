package store

import "time"

// QueueStatus is the persisted state of an offline message.
type QueueStatus string

const (
	StatusQueued  QueueStatus = "queued"
	StatusSyncing QueueStatus = "syncing"
	StatusFailed  QueueStatus = "failed"
)

// Attachment references a file that was uploaded before the message was composed.
type Attachment struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// OfflineMessage is an outbound message waiting for server confirmation.
// ID is generated on the client and is sent to the server as externalId.
type OfflineMessage struct {
	ID             string       `json:"id"`
	ConversationID int64        `json:"conversationId"`
	Content        string       `json:"content"`
	IsInternal     bool         `json:"isInternal"`
	ReplyToID      *int64       `json:"replyToId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Status         QueueStatus  `json:"status"`
	RetryCount     int          `json:"retryCount"`
	LastError      string       `json:"lastError,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Message is a server-confirmed message as returned by the inbox API and
// pushed over the realtime socket.
type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversationId"`
	SenderID       int64        `json:"senderId"`
	SenderType     string       `json:"senderType"`
	Content        string       `json:"content"`
	IsInternal     bool         `json:"isInternal"`
	ReplyToID      *int64       `json:"replyToId,omitempty"`
	ExternalID     string       `json:"externalId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReadBy         []int64      `json:"readBy,omitempty"`
	Status         string       `json:"status,omitempty"` // sent, delivered, read
	CreatedAt      time.Time    `json:"createdAt"`
}

// QueueStats counts queue entries per status.
type QueueStats struct {
	Queued  int `json:"queued"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}
