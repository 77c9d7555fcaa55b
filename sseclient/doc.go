// Package sseclient maintains the long-lived, resumable SSE
// subscription to the RealLife push stream.
//
// Conn owns at most one transport connection at a time and drives an
// explicit reconnect state machine:
//
//	Idle → Connecting → Open → (on error) Backoff → Connecting → …
//
// Closed is reached only by explicit Stop or by session expiry, and is
// terminal until Start is called again. Transport failures are retried
// forever with capped exponential backoff plus jitter; an unauthorized
// open delegates to the shared credential-refresh coordinator before a
// bounded number of immediate retries.
//
// Each inbound frame is decoded and handed to the configured
// dispatcher; the resumption cursor is persisted only after dispatch,
// so a crash mid-dispatch causes re-delivery, never loss. On reconnect
// the stored cursor is replayed in the Last-Event-ID request header.
package sseclient
