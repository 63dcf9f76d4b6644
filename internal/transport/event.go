package transport

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Kind tags a push event. The bus kind of an event is "push." + Kind.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindDisconnected     Kind = "disconnected"
	KindInboundMessage   Kind = "message"
	KindPresenceSnapshot Kind = "presence_snapshot"
	KindPresenceChanged  Kind = "presence_changed"
	KindUnreadSnapshot   Kind = "unread_snapshot"
)

// BusKind returns the bus event kind used to publish k.
func (k Kind) BusKind() string {
	return "push." + string(k)
}

// ErrMalformedEvent is returned for push frames that cannot be applied.
var ErrMalformedEvent = errors.New("malformed push event")

// Event is a normalized push event. Only the field matching Kind is set.
type Event struct {
	Kind     Kind                  `json:"kind"`
	Message  model.Message         `json:"message,omitzero"`
	Presence []model.PresenceEntry `json:"presence,omitempty"`
	Unread   model.UnreadSummary   `json:"unread,omitzero"`
}

// Normalize validates a raw push frame and converts it into an Event. Frames
// are JSON envelopes of the form {"type": ..., "data": ...}.
func Normalize(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	doc := gjson.ParseBytes(raw)
	data := wire.Get(doc, "data", "payload")

	switch k := Kind(wire.Get(doc, "type", "event").String()); k {
	case KindInboundMessage:
		msg, err := wire.Message(data)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return Event{Kind: k, Message: msg}, nil
	case KindPresenceSnapshot:
		return Event{Kind: k, Presence: wire.Presence(data)}, nil
	case KindPresenceChanged:
		// Carries no usable incremental data; receivers re-fetch.
		return Event{Kind: k}, nil
	case KindUnreadSnapshot:
		if !data.IsObject() {
			return Event{}, fmt.Errorf("%w: unread snapshot without data", ErrMalformedEvent)
		}
		return Event{Kind: k, Unread: wire.Unread(data)}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, k)
	}
}
