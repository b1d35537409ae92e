package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/inboxsync/internal/grouping"
	"github.com/matheus3301/inboxsync/internal/outbox"
	"github.com/matheus3301/inboxsync/internal/store"
)

// StatusInfo is the reply of GetStatus.
type StatusInfo struct {
	Session            string            `json:"session"`
	StartedAt          time.Time         `json:"startedAt"`
	Transport          string            `json:"transport"`
	Online             bool              `json:"online"`
	Syncing            bool              `json:"syncing"`
	Queue              store.QueueStats  `json:"queue"`
	LastResult         outbox.SyncResult `json:"lastResult"`
	LastSyncAt         time.Time         `json:"lastSyncAt"`
	ActiveConversation int64             `json:"activeConversation"`
}

// QueueList is the reply of ListQueue.
type QueueList struct {
	Items []store.OfflineMessage `json:"items"`
}

// SendRequest is the request of SendMessage.
type SendRequest struct {
	ConversationID int64              `json:"conversationId"`
	Content        string             `json:"content"`
	IsInternal     bool               `json:"isInternal"`
	ReplyToID      *int64             `json:"replyToId,omitempty"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
}

// MessageList is the reply of ListMessages.
type MessageList struct {
	ConversationID int64                   `json:"conversationId"`
	Groups         []grouping.MessageGroup `json:"groups"`
}

// OnlineResult is the reply of SetOnline.
type OnlineResult struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

// EventEnvelope is one item of the WatchEvents stream.
type EventEnvelope struct {
	EventID    string          `json:"eventId"`
	Session    string          `json:"session"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// maxWireInt is the largest integer a Struct carries exactly: number
// values are float64, so ids past 2^53 would be silently rounded.
const maxWireInt = 1 << 53

// ErrOutOfRange is returned when an integer field cannot cross the wire
// without losing precision.
var ErrOutOfRange = errors.New("integer exceeds 2^53 wire range")

// toStruct converts v to a Struct through its JSON form. Integers outside
// ±2^53 are rejected instead of rounded.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	if err := exactNumbers(m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// exactNumbers replaces every json.Number in v with its float64 value,
// failing on integers the conversion would round.
func exactNumbers(v any) error {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			if n, ok := e.(json.Number); ok {
				f, err := wireNumber(k, n)
				if err != nil {
					return err
				}
				t[k] = f
				continue
			}
			if err := exactNumbers(e); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range t {
			if n, ok := e.(json.Number); ok {
				f, err := wireNumber(fmt.Sprintf("[%d]", i), n)
				if err != nil {
					return err
				}
				t[i] = f
				continue
			}
			if err := exactNumbers(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func wireNumber(field string, n json.Number) (float64, error) {
	if i, err := n.Int64(); err == nil {
		if i > maxWireInt || i < -maxWireInt {
			return 0, fmt.Errorf("%s=%d: %w", field, i, ErrOutOfRange)
		}
		return float64(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return f, nil
}

// checkWireID rejects ids that a client encoding through float64 cannot
// have sent exactly.
func checkWireID(field string, id int64) error {
	if id > maxWireInt || id < -maxWireInt {
		return fmt.Errorf("%s=%d: %w", field, id, ErrOutOfRange)
	}
	return nil
}

// fromStruct fills v from a Struct produced by toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
