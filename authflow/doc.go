// Package authflow coordinates credential refresh for every caller that
// can observe an unauthenticated response: the ordinary REST request
// layer and the long-lived event stream.
//
// Coordinator collapses concurrent refresh demands into a single
// network call (single-flight); all waiters receive the outcome of the
// in-flight attempt. Transport is an http.RoundTripper that intercepts
// a 401 response, refreshes through the shared Coordinator, and retries
// the original request exactly once. The refresh call itself must be
// issued through a client that does not use Transport, otherwise a 401
// from the refresh endpoint would recurse; NewCookieRefresh builds such
// a client.
package authflow
