// Package resume persists the stream resumption cursor: the identifier
// of the last fully routed stream event. The cursor is a single slot;
// saving overwrites the previous value. It is written only after
// an event has been dispatched, so a crash between receipt and
// processing causes re-delivery, never silent loss.
//
// Backends live in subpackages (memorystore, redisstore) mirroring the
// single Store interface. The cursor survives transient disconnects and
// process restarts when a durable backend is used; it is cleared only
// on explicit logout.
package resume

import "context"

// Store holds the last successfully processed stream event identifier.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored cursor, or "" when none is stored.
	Load(ctx context.Context) (string, error)

	// Save overwrites the cursor. Empty ids are ignored.
	Save(ctx context.Context, id string) error

	// Clear removes the cursor. Clearing an empty store is a no-op.
	Clear(ctx context.Context) error
}

// Key is the storage key under which the cursor is kept, shared by all
// backends so that a client can switch backends without losing its
// position.
const Key = "sse:lastEventId"
