package events

import (
	"encoding/json"
	"time"
)

// Kind discriminates the tagged union of stream events.
type Kind string

const (
	// KindMessage is the generic fallback kind for frames that carry
	// neither an explicit event name nor a payload eventType.
	KindMessage Kind = "message"

	// Control kinds emitted by the server to keep the stream alive.
	KindPing      Kind = "ping"
	KindConnected Kind = "connected"

	// Domain kinds.
	KindNotificationCreated Kind = "notification-created"
	KindConversationUpdated Kind = "conversation-updated"
	KindPinCreated          Kind = "pin-created"
	KindPinUpdated          Kind = "pin-updated"
)

// Control reports whether the kind is a transport-level keepalive frame
// rather than a domain event. Control frames reset stream watchdogs but
// are excluded from domain dispatch.
func (k Kind) Control() bool {
	return k == KindPing || k == KindConnected
}

// Event is a decoded stream frame.
type Event struct {
	Kind Kind

	// ID is the stream-assigned resumption token, empty when the frame
	// carried none. It is opaque and used solely to resume after this
	// point on reconnect.
	ID string

	// RefID references the domain entity the event is about, typically a
	// conversation. Empty when the payload carries no reference.
	RefID string

	// Payload is the raw JSON payload of the frame. Nil when the frame
	// had no data or the data was not valid JSON; a malformed payload is
	// non-fatal and the event is still dispatched.
	Payload json.RawMessage

	ReceivedAt time.Time
}

// payloadEnvelope is the subset of payload fields the decoder inspects.
type payloadEnvelope struct {
	EventType      string `json:"eventType"`
	RefID          string `json:"refId"`
	ConversationID string `json:"conversationId"`
}

// Decode turns a raw SSE frame into a typed Event. The frame's explicit
// event name takes precedence for the kind; otherwise the payload's
// eventType field is consulted, else the kind is KindMessage. Payloads
// that fail to parse as JSON yield a nil Payload, never an error.
func Decode(eventName, id, data string, receivedAt time.Time) Event {
	evt := Event{
		ID:         id,
		ReceivedAt: receivedAt,
	}

	var env payloadEnvelope
	if data != "" {
		raw := json.RawMessage(data)
		if json.Valid(raw) {
			evt.Payload = raw
			_ = json.Unmarshal(raw, &env)
		}
	}

	switch {
	case eventName != "":
		evt.Kind = Kind(eventName)
	case env.EventType != "":
		evt.Kind = Kind(env.EventType)
	default:
		evt.Kind = KindMessage
	}

	if env.RefID != "" {
		evt.RefID = env.RefID
	} else if env.ConversationID != "" {
		evt.RefID = env.ConversationID
	}

	return evt
}
