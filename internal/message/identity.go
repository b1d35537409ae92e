package message

import "strconv"

// IdentityKind tells whether a message is known to the server yet.
type IdentityKind string

const (
	KindPending   IdentityKind = "pending"
	KindConfirmed IdentityKind = "confirmed"
)

// Identity is the stable handle of a rendered message. A pending identity
// carries the client temp id, a confirmed one the server id. Never both.
type Identity struct {
	Kind     IdentityKind `json:"kind"`
	TempID   string       `json:"tempId,omitempty"`
	ServerID int64        `json:"serverId,omitempty"`
}

// Pending returns the identity of a message awaiting server confirmation.
func Pending(tempID string) Identity {
	return Identity{Kind: KindPending, TempID: tempID}
}

// Confirmed returns the identity of a server-assigned message.
func Confirmed(serverID int64) Identity {
	return Identity{Kind: KindConfirmed, ServerID: serverID}
}

func (i Identity) IsPending() bool { return i.Kind == KindPending }

// Key is a string form unique across both kinds.
func (i Identity) Key() string {
	if i.Kind == KindPending {
		return "tmp:" + i.TempID
	}
	return "srv:" + strconv.FormatInt(i.ServerID, 10)
}

func (i Identity) String() string { return i.Key() }
