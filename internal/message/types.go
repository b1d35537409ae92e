package message

import (
	"github.com/matheus3301/inboxsync/internal/store"
)

// InboxMessage is the rendering projection of a message: the server fields
// plus transient delivery state. A pending message has ID 0 and a TempID; a
// confirmed one has a server ID and no TempID.
type InboxMessage struct {
	store.Message
	Status DeliveryStatus `json:"_status,omitempty"`
	TempID string         `json:"_tempId,omitempty"`
	Error  string         `json:"_error,omitempty"`
}

// Identity returns the message's current identity.
func (m InboxMessage) Identity() Identity {
	if m.TempID != "" {
		return Pending(m.TempID)
	}
	return Confirmed(m.ID)
}

// Author identifies the local user as the sender of composed messages.
type Author struct {
	ID   int64
	Type string
}

// FromOffline projects a queued message as an optimistic entry.
func FromOffline(om store.OfflineMessage, author Author) InboxMessage {
	m := InboxMessage{
		Message: store.Message{
			ConversationID: om.ConversationID,
			SenderID:       author.ID,
			SenderType:     author.Type,
			Content:        om.Content,
			IsInternal:     om.IsInternal,
			ReplyToID:      om.ReplyToID,
			ExternalID:     om.ID,
			Attachments:    om.Attachments,
			CreatedAt:      om.CreatedAt,
		},
		Status: StatusSending,
		TempID: om.ID,
	}
	if om.Status == store.StatusFailed {
		m.Status = StatusError
		m.Error = om.LastError
	}
	return m
}

// FromServer projects a confirmed server message.
func FromServer(sm store.Message) InboxMessage {
	return InboxMessage{Message: sm, Status: serverStatus(sm.Status)}
}
