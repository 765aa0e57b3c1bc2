package wire

import "fmt"

// Tag identifies the kind of a protocol message.
type Tag int32

const (
	// Loopback is the local phase-boundary signal. It never crosses the
	// network; the demand driver signals the engine through a channel.
	Loopback Tag = 0
	// ClinicRequest asks for clinic admission; Value carries the quantity.
	ClinicRequest Tag = 1
	// ClinicAgree is a clinic consent (Value == 0) or a release notice
	// carrying the released quantity (Value > 0).
	ClinicAgree Tag = 2
	// WindowRequest asks for a window; Value echoes the request timestamp.
	WindowRequest Tag = 3
	// WindowAgree grants a window request; Value echoes the requester's
	// original request timestamp.
	WindowAgree Tag = 4
)

// String returns the string representation of Tag.
func (t Tag) String() string {
	switch t {
	case Loopback:
		return "LOOPBACK"
	case ClinicRequest:
		return "A_REQUEST"
	case ClinicAgree:
		return "A_AGREE"
	case WindowRequest:
		return "B_REQUEST"
	case WindowAgree:
		return "B_AGREE"
	default:
		return fmt.Sprintf("TAG(%d)", int32(t))
	}
}

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	return t >= Loopback && t <= WindowAgree
}

// Message is one protocol record.
type Message struct {
	Tag       Tag
	Sender    int
	Timestamp int64
	Value     int64
}

// String returns a compact representation used in logs.
func (m Message) String() string {
	return fmt.Sprintf("%s{from=%d ts=%d val=%d}", m.Tag, m.Sender, m.Timestamp, m.Value)
}

// Outbound is a message addressed to one peer.
type Outbound struct {
	To  int
	Msg Message
}
