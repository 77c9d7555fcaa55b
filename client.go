package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/reallife-app/realtime-go/authflow"
	"github.com/reallife-app/realtime-go/cache"
	"github.com/reallife-app/realtime-go/events"
	"github.com/reallife-app/realtime-go/internal/logctx"
	"github.com/reallife-app/realtime-go/restapi"
	"github.com/reallife-app/realtime-go/resume"
	"github.com/reallife-app/realtime-go/resume/memorystore"
	"github.com/reallife-app/realtime-go/sseclient"
)

const (
	subscribePath = "/api/sse/subscribe"
	refreshPath   = "/api/auth/refresh-cookie"
)

// Status of the stream connection. See sseclient.State for the values
// and the Connected/Running helpers.
type Status = sseclient.State

// ErrSessionExpired is surfaced when the stream's bounded credential
// refresh is exhausted and the session is gone for good. The expected
// response is to force sign-out.
var ErrSessionExpired = sseclient.ErrSessionExpired

// Config for a Client. BaseURL is required; everything else has a
// working default.
type Config struct {
	// BaseURL of the RealLife server, e.g. "https://reallife.example".
	BaseURL string

	// Resume persists the stream resumption cursor. Defaults to an
	// in-memory store; use resume/redisstore to survive restarts.
	Resume resume.Store
}

type clientSettings struct {
	log              *slog.Logger
	quietWindow      time.Duration
	idleTimeout      time.Duration
	backoffBase      time.Duration
	backoffMax       time.Duration
	backoffJitter    time.Duration
	onSessionExpired func()
	onStatus         func(Status)
}

// Option configures a Client.
type Option func(*clientSettings)

// WithLogger sets the slog logger shared by every component the Client
// constructs. Each record carries a client_id attribute so multiple
// clients in one process stay distinguishable.
func WithLogger(log *slog.Logger) Option {
	return func(s *clientSettings) { s.log = log }
}

// WithQuietWindow overrides the reconcilers' debounce quiet window.
// Default 400ms.
func WithQuietWindow(d time.Duration) Option {
	return func(s *clientSettings) { s.quietWindow = d }
}

// WithIdleTimeout arms the stream watchdog: no frame within d forces a
// reconnect. Disabled by default.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *clientSettings) { s.idleTimeout = d }
}

// WithBackoff overrides the reconnect backoff parameters. Defaults:
// base 1s, cap 30s, jitter bound 300ms.
func WithBackoff(base, max, jitter time.Duration) Option {
	return func(s *clientSettings) {
		s.backoffBase, s.backoffMax, s.backoffJitter = base, max, jitter
	}
}

// WithSessionExpiredFunc registers a callback invoked once when the
// session could not be refreshed and the stream closed terminally.
func WithSessionExpiredFunc(fn func()) Option {
	return func(s *clientSettings) { s.onSessionExpired = fn }
}

// WithStatusFunc registers a stream status observer active for the
// Client's whole lifetime. OnStatus can add more later.
func WithStatusFunc(fn func(Status)) Option {
	return func(s *clientSettings) { s.onStatus = fn }
}

// Client is the top-level context object for one signed-in user. It
// owns the stream connection, the event router, the single-flight auth
// coordinator shared with the REST layer, the per-domain reconcilers,
// and the resumption store. Construct with New; a Client is inert until
// Start (or Login, which starts the stream after authenticating).
type Client struct {
	log  *slog.Logger
	jar  *cookiejar.Jar
	api  *restapi.Client
	auth *authflow.Coordinator
	conn *sseclient.Conn

	router        *events.Router
	notifications *cache.Notifications
	conversations *cache.Conversations
	pins          *cache.Pins
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use HTTP or HTTPS scheme, got %q", base.Scheme)
	}

	settings := clientSettings{
		log:           slog.Default(),
		quietWindow:   cache.DefaultQuietWindow,
		backoffBase:   1 * time.Second,
		backoffMax:    30 * time.Second,
		backoffJitter: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	log := slog.New(logctx.Handler{Handler: settings.log.Handler()}).
		With(slog.String("client_id", uuid.NewString()))

	// One cookie jar holds the session for every outbound surface: the
	// REST layer, the refresh call, and the stream open.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("build cookie jar: %w", err)
	}

	// The refresh endpoint is called through a bare client so it is
	// never itself subject to 401 interception.
	bare := &http.Client{Jar: jar}
	coord, err := authflow.NewCoordinator(
		authflow.NewCookieRefresh(bare, base.JoinPath(refreshPath).String()),
		authflow.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("build auth coordinator: %w", err)
	}

	apiHTTP := &http.Client{
		Jar: jar,
		Transport: &authflow.Transport{
			Coordinator: coord,
			Log:         log,
		},
	}
	api, err := restapi.New(cfg.BaseURL, restapi.WithHTTPClient(apiHTTP), restapi.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("build REST client: %w", err)
	}

	reconcilerOpts := []cache.ReconcilerOption{
		cache.WithLogger(log),
		cache.WithQuietWindow(settings.quietWindow),
	}
	notifications := cache.NewNotifications(api, reconcilerOpts...)
	conversations := cache.NewConversations(api, reconcilerOpts...)
	pins := cache.NewPins(api, reconcilerOpts...)

	router := events.NewRouter(events.WithLogger(log))
	router.Subscribe(events.KindNotificationCreated, func(ctx context.Context, evt events.Event) {
		notifications.Ingest(ctx, evt)
		// A new notification usually means conversation movement too;
		// nudge that reconciler without an immediate refetch.
		conversations.SoftSync()
	})
	router.Subscribe(events.KindConversationUpdated, func(ctx context.Context, evt events.Event) {
		conversations.Ingest(ctx, evt)
	})
	router.Subscribe(events.KindPinCreated, func(ctx context.Context, evt events.Event) {
		pins.Ingest(ctx, evt)
	})
	router.Subscribe(events.KindPinUpdated, func(ctx context.Context, evt events.Event) {
		pins.Ingest(ctx, evt)
	})

	store := cfg.Resume
	if store == nil {
		store = memorystore.New()
	}

	connOpts := []sseclient.Option{
		sseclient.WithLogger(log),
		sseclient.WithBackoff(settings.backoffBase, settings.backoffMax, settings.backoffJitter),
	}
	if settings.idleTimeout > 0 {
		connOpts = append(connOpts, sseclient.WithIdleTimeout(settings.idleTimeout))
	}
	if settings.onSessionExpired != nil {
		connOpts = append(connOpts, sseclient.WithSessionExpiredFunc(settings.onSessionExpired))
	}

	// The stream client shares the jar but not the intercepting
	// transport: the connection handles its own 401 path so the
	// refresh-retry bound stays enforceable.
	conn, err := sseclient.New(sseclient.Config{
		URL:        base.JoinPath(subscribePath).String(),
		HTTPClient: &http.Client{Jar: jar},
		Dispatcher: router,
		Refresher:  coord,
		Resume:     store,
	}, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("build stream connection: %w", err)
	}
	if settings.onStatus != nil {
		conn.OnStatus(settings.onStatus)
	}

	return &Client{
		log:           log,
		jar:           jar,
		api:           api,
		auth:          coord,
		conn:          conn,
		router:        router,
		notifications: notifications,
		conversations: conversations,
		pins:          pins,
	}, nil
}

// Login establishes a cookie session and starts the stream. The
// resumption cursor left by a previous run is honored, so events missed
// while signed out are replayed where the server still has them.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if err := c.api.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if user, err := c.api.Me(ctx); err == nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{UserID: user.UserID})
	}
	c.log.InfoContext(ctx, "client.login.ok")
	c.conn.Start()
	return nil
}

// Logout stops the stream, clears the resumption cursor, and tears the
// cookie session down.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.conn.Stop(ctx, sseclient.StopOptions{ClearResumption: true}); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	if err := c.api.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.log.InfoContext(ctx, "client.logout.ok")
	return nil
}

// Start enters the stream's reconnect loop using the session already in
// the cookie jar. Idempotent while running.
func (c *Client) Start() { c.conn.Start() }

// Stop halts the stream, keeping the resumption cursor for the next
// Start. Reconcilers stay usable.
func (c *Client) Stop(ctx context.Context) error {
	return c.conn.Stop(ctx, sseclient.StopOptions{})
}

// Close stops the stream and cancels all pending debounced work. The
// Client is not usable afterwards.
func (c *Client) Close(ctx context.Context) error {
	err := c.conn.Stop(ctx, sseclient.StopOptions{})
	c.notifications.Close()
	c.conversations.Close()
	c.pins.Close()
	return err
}

// Status returns the current stream state.
func (c *Client) Status() Status { return c.conn.State() }

// OnStatus registers a stream status observer, invoked immediately with
// the current state. The returned function unsubscribes.
func (c *Client) OnStatus(fn func(Status)) (unsubscribe func()) {
	return c.conn.OnStatus(fn)
}

// Err returns the stream's terminal error, e.g. ErrSessionExpired. Nil
// while running or after an explicit Stop.
func (c *Client) Err() error { return c.conn.Err() }

// Events exposes the typed router so callers can subscribe to domain
// events alongside the built-in reconcilers.
func (c *Client) Events() *events.Router { return c.router }

// API exposes the REST layer, sharing the session and the 401-refresh
// interception.
func (c *Client) API() *restapi.Client { return c.api }

// Notifications is the notifications read model.
func (c *Client) Notifications() *cache.Notifications { return c.notifications }

// Conversations is the conversation-list read model.
func (c *Client) Conversations() *cache.Conversations { return c.conversations }

// Pins is the per-conversation pinned-items read model.
func (c *Client) Pins() *cache.Pins { return c.pins }
