// Package cache holds the per-domain local collections the UI reads:
// notifications, conversations, and pinned items.
//
// Each reconciler ingests push events as optimistic, idempotent partial
// mutations and arms a debounced authoritative refetch. The fetch
// replaces the collection wholesale and is the sole source of truth;
// optimistic rows, including minimal placeholders for entities the
// collection has not seen, are best-effort bridging state between
// fetches. A reconciliation failure leaves the previous collection
// intact and is surfaced as a soft error.
//
// Idempotence against at-least-once delivery comes from a bounded LRU
// dedupe window per domain; a successful reconcile re-seeds the window
// from the authoritative page so replayed events for already-fetched
// entities stay no-ops.
package cache
