// Package events defines the typed event model for the RealLife push
// stream and a small in-process router that fans decoded events out to
// registered handlers.
//
// Raw SSE frames are decoded into Event values by Decode. The event kind
// is taken from the frame's explicit event name when present, falling
// back to a payload-embedded eventType field, else KindMessage. The
// explicit name always wins so that business-level type fields inside
// the payload cannot collide with transport-level event naming.
//
// Router delivers each event to zero or more per-kind handlers and to
// wildcard observers. Handler panics are contained per handler and do
// not stop delivery to siblings. Control frames (ping, connected) are
// never delivered to domain handlers.
package events
