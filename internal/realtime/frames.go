package realtime

import "encoding/json"

// Frame types exchanged with the server.
const (
	TypeRoomJoin         = "room:join"
	TypeRoomLeave        = "room:leave"
	TypeMessageNew       = "message:new"
	TypeMessageDelivered = "message:delivered"
	TypeMessageRead      = "message:read"
	TypeTyping           = "typing"
	TypePresence         = "presence"
	TypeEntityChanged    = "entity:changed"
)

// Frame is the envelope of every realtime event.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(f.Payload, v)
}

// RoomPayload is the payload of room:join and room:leave.
type RoomPayload struct {
	ConversationID int64 `json:"conversationId"`
}

// ReceiptPayload is the payload of message:delivered and message:read.
type ReceiptPayload struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId,omitempty"`
}

// TypingPayload is the payload of typing frames in both directions.
type TypingPayload struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId,omitempty"`
	IsTyping       bool  `json:"isTyping"`
}

// PresencePayload is the payload of presence frames in both directions.
type PresencePayload struct {
	UserID int64  `json:"userId,omitempty"`
	Status string `json:"status"`
}

// EntityChangedPayload notifies that a server-side entity was modified.
type EntityChangedPayload struct {
	Entity string `json:"entity"`
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

func isMembership(frameType string) bool {
	return frameType == TypeRoomJoin || frameType == TypeRoomLeave
}
