// Package restapi is the RealLife CRUD request layer: cursor-paginated
// list endpoints and the write calls the app issues against them. All
// requests carry the session cookie; 401 handling lives in the
// authflow.Transport the caller wires into the HTTP client, not here.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultPageSize is the page size used when ListOptions.Size is zero.
const DefaultPageSize = 20

// DefaultPinPageSize is the default size for per-conversation pin lists.
const DefaultPinPageSize = 10

// APIError is a non-2xx response from the server, with the message the
// server body carried when one was present.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: status %d", e.StatusCode)
}

// Client issues requests against the RealLife REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client, typically one whose transport is
// an authflow.Transport sharing the session cookie jar.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the slog logger used by the client.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		http:    http.DefaultClient,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// --- Notifications ---

func (c *Client) ListNotifications(ctx context.Context, opts ListOptions) (*NotificationPage, error) {
	q := pageQuery(opts, DefaultPageSize)
	var page NotificationPage
	if err := c.do(ctx, http.MethodGet, "/api/notifications", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil, nil)
}

// MarkAllNotificationsRead returns the number of notifications updated.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	var out struct {
		UpdatedCount int `json:"updatedCount"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.UpdatedCount, nil
}

// ClearReadNotifications deletes read notifications and returns how
// many were removed.
func (c *Client) ClearReadNotifications(ctx context.Context) (int, error) {
	var out struct {
		DeletedCount int `json:"deletedCount"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/notifications/read", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

// --- Conversations ---

func (c *Client) ListConversations(ctx context.Context, opts ListOptions) (*ConversationPage, error) {
	q := pageQuery(opts, DefaultPageSize)
	var page ConversationPage
	if err := c.do(ctx, http.MethodGet, "/api/conversations", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, nil)
}

// CreateDirectConversation opens (or returns the existing) direct
// conversation with the target user.
func (c *Client) CreateDirectConversation(ctx context.Context, targetUserID string) (string, error) {
	in := map[string]string{"targetUserId": targetUserID}
	var out struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/direct", nil, in, &out); err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

// --- Pins ---

// ListConversationPins returns the pins of one conversation, newest
// first. The endpoint returns a plain array, not a page envelope.
func (c *Client) ListConversationPins(ctx context.Context, conversationID string, size int) ([]Pin, error) {
	if size <= 0 {
		size = DefaultPinPageSize
	}
	q := url.Values{"size": []string{strconv.Itoa(size)}}
	var pins []Pin
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/pins", q, nil, &pins); err != nil {
		return nil, err
	}
	return pins, nil
}

func (c *Client) PinDone(ctx context.Context, pinID string) error {
	return c.do(ctx, http.MethodPost, "/api/pins/"+url.PathEscape(pinID)+"/done", nil, nil, nil)
}

func (c *Client) PinCancel(ctx context.Context, pinID string) error {
	return c.do(ctx, http.MethodPost, "/api/pins/"+url.PathEscape(pinID)+"/cancel", nil, nil, nil)
}

func (c *Client) PinDismiss(ctx context.Context, pinID string) error {
	return c.do(ctx, http.MethodPost, "/api/pins/"+url.PathEscape(pinID)+"/dismiss", nil, nil, nil)
}

// --- Session ---

// Login establishes a cookie session.
func (c *Client) Login(ctx context.Context, email, password string) error {
	in := map[string]string{"email": email, "password": password}
	return c.do(ctx, http.MethodPost, "/api/auth/login-cookie", nil, in, nil)
}

// Logout tears down the cookie session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout-cookie", nil, nil, nil)
}

// Me returns the authenticated user, or an *APIError with status 401
// when no valid session exists.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// --- plumbing ---

func pageQuery(opts ListOptions, defaultSize int) url.Values {
	size := opts.Size
	if size <= 0 {
		size = defaultSize
	}
	q := url.Values{"size": []string{strconv.Itoa(size)}}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid request path %q: %w", path, err)
	}
	u := c.baseURL.ResolveReference(ref)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if derr := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&msg); derr == nil {
			apiErr.Message = msg.Message
		}
		c.log.InfoContext(ctx, "api.request.fail",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
