package message

// DeliveryStatus is the per-message status shown to the user.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusError     DeliveryStatus = "error"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	return s == StatusError || s.rank() >= 0
}

// Advance returns the status after applying next and whether it changed.
// The sending, sent, delivered, read chain only moves forward. Error is
// reachable only from sending, and an errored message may go back to sending
// on manual retry or straight to a confirmed status.
func (s DeliveryStatus) Advance(next DeliveryStatus) (DeliveryStatus, bool) {
	if !next.Valid() || next == s {
		return s, false
	}
	switch {
	case next == StatusError:
		if s == StatusSending {
			return next, true
		}
		return s, false
	case s == StatusError:
		return next, true
	case next.rank() > s.rank():
		return next, true
	}
	return s, false
}

// serverStatus maps a cached server status onto a delivery status.
func serverStatus(s string) DeliveryStatus {
	switch DeliveryStatus(s) {
	case StatusDelivered, StatusRead:
		return DeliveryStatus(s)
	}
	return StatusSent
}
