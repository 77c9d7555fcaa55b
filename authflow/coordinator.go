package authflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

var (
	// ErrRefreshFailed wraps any refresh attempt failure. A caller seeing
	// this error holds expired credentials that could not be renewed;
	// the expected response is to force sign-out.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// RefreshFunc performs one credential-refresh network call. It must be
// issued through a transport that is not itself subject to 401
// interception.
type RefreshFunc func(ctx context.Context) error

// Coordinator serializes credential refresh. Concurrent Refresh calls
// while an attempt is in flight do not trigger a second network call;
// they wait for the in-flight attempt and share its outcome.
type Coordinator struct {
	refresh RefreshFunc
	log     *slog.Logger

	mu      sync.Mutex
	current *inflight
}

// inflight is the ticket for the single refresh attempt in progress.
// At most one exists at any time; it is discarded when the attempt
// settles and all waiters observe the same outcome.
type inflight struct {
	done chan struct{}
	err  error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the slog logger used by the coordinator.
func WithLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

func NewCoordinator(refresh RefreshFunc, opts ...CoordinatorOption) (*Coordinator, error) {
	if refresh == nil {
		return nil, fmt.Errorf("refresh func is required")
	}
	c := &Coordinator{
		refresh: refresh,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Refresh renews credentials, collapsing concurrent calls into one
// underlying attempt. A nil return means credentials were renewed; a
// non-nil return wraps ErrRefreshFailed. A failed attempt is terminal
// for its waiters; the coordinator never retries against its own
// refresh endpoint. A later Refresh call starts a fresh attempt.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if cur := c.current; cur != nil {
		c.mu.Unlock()
		c.log.InfoContext(ctx, "auth.refresh.join")
		select {
		case <-cur.done:
			return cur.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cur := &inflight{done: make(chan struct{})}
	c.current = cur
	c.mu.Unlock()

	c.log.InfoContext(ctx, "auth.refresh.start")

	// Detach from the initiating caller's cancellation: waiters queued
	// behind this attempt must not fail because the first caller gave up.
	err := c.refresh(context.WithoutCancel(ctx))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		c.log.WarnContext(ctx, "auth.refresh.fail", slog.String("err", err.Error()))
	} else {
		c.log.InfoContext(ctx, "auth.refresh.ok")
	}

	c.mu.Lock()
	cur.err = err
	c.current = nil
	c.mu.Unlock()
	close(cur.done)

	return err
}

// NewCookieRefresh returns a RefreshFunc that POSTs to the given
// refresh endpoint using client. The client must carry the session
// cookie jar and must not wrap its transport with Transport.
func NewCookieRefresh(client *http.Client, refreshURL string) RefreshFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
		}
		return nil
	}
}
