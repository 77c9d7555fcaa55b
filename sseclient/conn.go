package sseclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/reallife-app/realtime-go/events"
	"github.com/reallife-app/realtime-go/internal/logctx"
	"github.com/reallife-app/realtime-go/resume"
)

// State of the stream connection, observable via OnStatus.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
)

// Connected reports whether a live stream is established.
func (s State) Connected() bool { return s == StateOpen }

// Running reports whether the reconnect loop is active, connected or not.
func (s State) Running() bool {
	return s == StateConnecting || s == StateOpen || s == StateBackoff
}

var (
	// ErrSessionExpired is the terminal condition reached when the
	// bounded refresh retries against an unauthorized stream open are
	// exhausted. The expected response is to force sign-out.
	ErrSessionExpired = errors.New("session expired")

	errUnauthorized = errors.New("stream open unauthorized")
)

var eventStreamMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/event-stream"),
}

// Dispatcher receives each decoded domain event in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt events.Event)
}

// Refresher renews credentials when the stream open is rejected as
// unauthorized. Typically an *authflow.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config for a Conn. URL, HTTPClient, Dispatcher, Refresher and Resume
// are required.
type Config struct {
	// URL of the SSE subscribe endpoint.
	URL string

	// HTTPClient must carry the session cookie jar and must NOT use the
	// 401-intercepting authflow.Transport: the connection handles its
	// own unauthorized path so that the refresh-retry bound stays
	// enforceable.
	HTTPClient *http.Client

	// Dispatcher receives decoded domain events.
	Dispatcher Dispatcher

	// Refresher renews credentials on an unauthorized open.
	Refresher Refresher

	// Resume persists the resumption cursor.
	Resume resume.Store
}

type connSettings struct {
	log               *slog.Logger
	backoffBase       time.Duration
	backoffMax        time.Duration
	backoffJitter     time.Duration
	maxRefreshRetries int
	idleTimeout       time.Duration
	onSessionExpired  func()
}

// Option configures a Conn.
type Option func(*connSettings)

// WithLogger sets the slog logger used by the connection.
func WithLogger(log *slog.Logger) Option {
	return func(s *connSettings) { s.log = log }
}

// WithBackoff overrides the reconnect backoff parameters. Defaults:
// base 1s, cap 30s, jitter bound 300ms.
func WithBackoff(base, max, jitter time.Duration) Option {
	return func(s *connSettings) {
		s.backoffBase, s.backoffMax, s.backoffJitter = base, max, jitter
	}
}

// WithMaxRefreshRetries bounds how many credential refreshes a single
// run will attempt against consecutive unauthorized opens. Default 1.
func WithMaxRefreshRetries(n int) Option {
	return func(s *connSettings) { s.maxRefreshRetries = n }
}

// WithIdleTimeout arms a watchdog that tears down the transport when no
// frame (including keepalives) arrives within d, forcing a reconnect.
// Zero disables the watchdog; the default is disabled.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *connSettings) { s.idleTimeout = d }
}

// WithSessionExpiredFunc registers a callback invoked once when the
// connection closes because the session could not be refreshed.
func WithSessionExpiredFunc(fn func()) Option {
	return func(s *connSettings) { s.onSessionExpired = fn }
}

// Conn owns one logical streaming connection at a time. Construct with
// New; a Conn is inert until Start.
type Conn struct {
	cfg      Config
	settings connSettings
	log      *slog.Logger

	mu         sync.Mutex
	state      State
	terminal   error
	cancel     context.CancelFunc
	done       chan struct{}
	nextToken  int
	statusSubs map[int]func(State)
}

func New(cfg Config, opts ...Option) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("subscribe URL is required")
	}
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if cfg.Resume == nil {
		return nil, fmt.Errorf("resume store is required")
	}

	settings := connSettings{
		log:               slog.Default(),
		backoffBase:       1 * time.Second,
		backoffMax:        30 * time.Second,
		backoffJitter:     300 * time.Millisecond,
		maxRefreshRetries: 1,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &Conn{
		cfg:        cfg,
		settings:   settings,
		log:        settings.log,
		state:      StateIdle,
		statusSubs: make(map[int]func(State)),
	}, nil
}

// Start enters the reconnect loop. Calling Start while the connection
// is running is a no-op; calling it after Stop starts a fresh run.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.terminal = nil
	done := c.done
	c.mu.Unlock()

	c.setState(StateIdle)
	go c.run(ctx, done)
}

// StopOptions controls Stop behavior.
type StopOptions struct {
	// ClearResumption removes the stored cursor. Used on explicit
	// logout, not on transient loss.
	ClearResumption bool
}

// Stop aborts any open transport, transitions to Closed, and optionally
// clears the resumption store. It blocks until the run loop has exited
// or ctx is done.
func (c *Conn) Stop(ctx context.Context, opts StopOptions) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		c.setState(StateClosed)
	}

	if opts.ClearResumption {
		if err := c.cfg.Resume.Clear(ctx); err != nil {
			return fmt.Errorf("clear resumption cursor: %w", err)
		}
	}
	return nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error after the connection closed on its
// own, e.g. ErrSessionExpired. Nil while running or after explicit Stop.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// OnStatus registers a status observer and invokes it immediately with
// the current state. The returned function unsubscribes.
func (c *Conn) OnStatus(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	token := c.nextToken
	c.nextToken++
	c.statusSubs[token] = fn
	current := c.state
	c.mu.Unlock()

	fn(current)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, token)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := make([]func(State), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (c *Conn) closeWith(err error) {
	c.mu.Lock()
	c.terminal = err
	c.cancel = nil
	c.mu.Unlock()
	c.setState(StateClosed)

	if errors.Is(err, ErrSessionExpired) && c.settings.onSessionExpired != nil {
		c.settings.onSessionExpired()
	}
}

// run is the reconnect loop. It exits only on context cancellation or a
// terminal session-expired condition.
func (c *Conn) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := newBackoff(c.settings.backoffBase, c.settings.backoffMax, c.settings.backoffJitter)
	attempt := 0
	refreshTries := 0

	for {
		if ctx.Err() != nil {
			c.closeWith(nil)
			return
		}

		c.setState(StateConnecting)
		attemptCtx := logctx.WithConnData(ctx, &logctx.ConnData{
			URL:     c.cfg.URL,
			Attempt: attempt,
			State:   string(StateConnecting),
		})
		opened, err := c.openOnce(attemptCtx)
		if opened {
			attempt = 0
			refreshTries = 0
		}

		if ctx.Err() != nil {
			c.closeWith(nil)
			return
		}

		switch {
		case errors.Is(err, errUnauthorized):
			if refreshTries >= c.settings.maxRefreshRetries {
				c.log.WarnContext(attemptCtx, "sse.refresh.exhausted")
				c.closeWith(ErrSessionExpired)
				return
			}
			refreshTries++
			if rerr := c.cfg.Refresher.Refresh(ctx); rerr != nil {
				if ctx.Err() != nil {
					// Stop raced the refresh; this is a plain shutdown,
					// not an expired session.
					c.closeWith(nil)
					return
				}
				c.log.WarnContext(attemptCtx, "sse.refresh.fail", slog.String("err", rerr.Error()))
				c.closeWith(fmt.Errorf("%w: %w", ErrSessionExpired, rerr))
				return
			}
			// Retry immediately with the backoff counter held at zero.
			continue

		default:
			c.setState(StateBackoff)
			delay := bo.delay(attempt)
			attempt++
			if err != nil {
				c.log.InfoContext(attemptCtx, "sse.reconnect.wait",
					slog.Duration("delay", delay),
					slog.Int("attempt", attempt),
					slog.String("err", err.Error()))
			}
			select {
			case <-ctx.Done():
				c.closeWith(nil)
				return
			case <-time.After(delay):
			}
		}
	}
}

// openOnce opens one subscription and consumes it until it fails.
// opened reports whether the stream reached the Open state; err
// explains why it ended.
func (c *Conn) openOnce(ctx context.Context) (opened bool, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	lastID, err := c.cfg.Resume.Load(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "sse.resume.load.fail", slog.String("err", err.Error()))
	} else if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return false, errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("stream open failed: status %d", resp.StatusCode)
	}

	ct, err := contenttype.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || ct.Type != "text" || ct.Subtype != "event-stream" {
		return false, fmt.Errorf("stream open failed: unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	c.setState(StateOpen)
	c.log.InfoContext(ctx, "sse.stream.open", slog.String("last_event_id", lastID))

	// Watchdog: a silent transport is torn down, forcing a reconnect.
	// Any frame, keepalives included, re-arms it.
	var watchdog *time.Timer
	if c.settings.idleTimeout > 0 {
		watchdog = time.AfterFunc(c.settings.idleTimeout, cancel)
		defer watchdog.Stop()
	}

	fr := NewFrameReader(resp.Body)
	for {
		frame, err := fr.Next()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return true, fmt.Errorf("stream ended")
			}
			return true, fmt.Errorf("read stream: %w", err)
		}

		if watchdog != nil {
			watchdog.Reset(c.settings.idleTimeout)
		}

		evt := events.Decode(frame.Event, frame.ID, frame.Data, time.Now())
		evtCtx := logctx.WithEventData(ctx, &logctx.EventData{
			Kind:  string(evt.Kind),
			ID:    evt.ID,
			RefID: evt.RefID,
		})
		if evt.Kind.Control() {
			c.log.DebugContext(evtCtx, "sse.frame.control")
		} else {
			c.cfg.Dispatcher.Dispatch(evtCtx, evt)
		}

		// The cursor is persisted strictly after dispatch so that a
		// crash mid-dispatch replays the frame instead of losing it.
		if frame.ID != "" {
			if err := c.cfg.Resume.Save(ctx, frame.ID); err != nil {
				c.log.WarnContext(ctx, "sse.resume.save.fail", slog.String("err", err.Error()))
			}
		}
	}
}
