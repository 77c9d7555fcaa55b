package authflow

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Transport intercepts 401 responses, refreshes credentials through the
// shared Coordinator, and retries the original request exactly once.
// Any other response, and any transport error, passes through
// untouched. Requests whose bodies cannot be replayed (no GetBody) are
// never retried.
type Transport struct {
	// Base is the underlying round tripper. http.DefaultTransport when nil.
	Base http.RoundTripper

	// Coordinator performs the single-flight refresh. Required.
	Coordinator *Coordinator

	// Log defaults to slog.Default when nil.
	Log *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) log() *slog.Logger {
	if t.Log != nil {
		return t.Log
	}
	return slog.Default()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Coordinator == nil {
		return nil, fmt.Errorf("authflow: Transport requires a Coordinator")
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	retry, ok := cloneForRetry(req)
	if !ok {
		// Body already consumed and not replayable; surface the 401.
		return resp, nil
	}

	ctx := req.Context()
	t.log().InfoContext(ctx, "auth.transport.unauthorized", slog.String("path", req.URL.Path))

	// The original response body must be drained before the connection
	// can be reused for the retry.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if refreshErr := t.Coordinator.Refresh(ctx); refreshErr != nil {
		return nil, refreshErr
	}

	t.log().InfoContext(ctx, "auth.transport.retry", slog.String("path", req.URL.Path))
	return t.base().RoundTrip(retry)
}

// cloneForRetry produces a replayable copy of req. Requests with a
// consumed, non-replayable body cannot be retried.
func cloneForRetry(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Clone(req.Context()), true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, true
}
