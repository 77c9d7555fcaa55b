package sseclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reallife-app/realtime-go/events"
	"github.com/reallife-app/realtime-go/resume/memorystore"
)

type refresherFunc func(ctx context.Context) error

func (f refresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

type captureDispatcher struct {
	mu     sync.Mutex
	events []events.Event
	ch     chan events.Event
}

func newCaptureDispatcher() *captureDispatcher {
	return &captureDispatcher{ch: make(chan events.Event, 64)}
}

func (d *captureDispatcher) Dispatch(ctx context.Context, evt events.Event) {
	d.mu.Lock()
	d.events = append(d.events, evt)
	d.mu.Unlock()
	select {
	case d.ch <- evt:
	default:
	}
}

func (d *captureDispatcher) wait(t *testing.T, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case evt := <-d.ch:
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for dispatched event")
		return events.Event{}
	}
}

func sseHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	return w.(http.Flusher)
}

func fastOpts(extra ...Option) []Option {
	opts := []Option{WithBackoff(time.Millisecond, 5*time.Millisecond, 0)}
	return append(opts, extra...)
}

func stopConn(t *testing.T, c *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx, StopOptions{}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConn_ResumptionHeaderAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var lastEventIDs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lastEventIDs = append(lastEventIDs, r.Header.Get("Last-Event-ID"))
		n := len(lastEventIDs)
		mu.Unlock()

		fl := sseHeaders(w)
		if n == 1 {
			// one event then a forced disconnect
			fmt.Fprint(w, "id: 42\nevent: notification-created\ndata: {\"notificationId\":\"n1\"}\n\n")
			fl.Flush()
			return
		}
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	disp := newCaptureDispatcher()
	store := memorystore.New()
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: disp,
		Refresher:  refresherFunc(func(ctx context.Context) error { return nil }),
		Resume:     store,
	}, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()
	defer stopConn(t, conn)

	evt := disp.wait(t, 5*time.Second)
	if evt.Kind != events.KindNotificationCreated || evt.ID != "42" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	// wait for the reconnect
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(lastEventIDs)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastEventIDs[0] != "" {
		t.Fatalf("first open must not carry Last-Event-ID, got %q", lastEventIDs[0])
	}
	if lastEventIDs[1] != "42" {
		t.Fatalf("reconnect must resume after 42, got %q", lastEventIDs[1])
	}
}

func TestConn_UnauthorizedRefreshesThenRetries(t *testing.T) {
	var refreshed atomic.Bool
	var refreshCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !refreshed.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fl := sseHeaders(w)
		fmt.Fprint(w, "id: 1\nevent: pin-created\ndata: {\"pinId\":\"p1\",\"conversationId\":\"c1\"}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	disp := newCaptureDispatcher()
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: disp,
		Refresher: refresherFunc(func(ctx context.Context) error {
			refreshCalls.Add(1)
			refreshed.Store(true)
			return nil
		}),
		Resume: memorystore.New(),
	}, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()
	defer stopConn(t, conn)

	evt := disp.wait(t, 5*time.Second)
	if evt.Kind != events.KindPinCreated || evt.RefID != "c1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", got)
	}
}

func TestConn_RefreshFailureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	expired := make(chan struct{})
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: newCaptureDispatcher(),
		Refresher: refresherFunc(func(ctx context.Context) error {
			return fmt.Errorf("refresh endpoint said no")
		}),
		Resume: memorystore.New(),
	}, fastOpts(WithSessionExpiredFunc(func() { close(expired) }))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session-expired signal")
	}

	if conn.State() != StateClosed {
		t.Fatalf("expected closed state, got %q", conn.State())
	}
	if !errors.Is(conn.Err(), ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", conn.Err())
	}
}

func TestConn_StopDuringRefreshIsNotExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	entered := make(chan struct{})
	var expired atomic.Bool
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: newCaptureDispatcher(),
		Refresher: refresherFunc(func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}),
		Resume: memorystore.New(),
	}, fastOpts(WithSessionExpiredFunc(func() { expired.Store(true) }))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the refresh attempt")
	}

	stopConn(t, conn)

	if conn.State() != StateClosed {
		t.Fatalf("expected closed after Stop, got %q", conn.State())
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("explicit Stop must not surface a terminal error, got %v", err)
	}
	if expired.Load() {
		t.Fatal("explicit Stop must not fire the session-expired callback")
	}
}

func TestConn_RefreshRetryBoundExhausted(t *testing.T) {
	// The server keeps rejecting even after a successful refresh; the
	// bounded retry count must prevent an infinite refresh loop.
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshCalls atomic.Int32
	expired := make(chan struct{})
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: newCaptureDispatcher(),
		Refresher: refresherFunc(func(ctx context.Context) error {
			refreshCalls.Add(1)
			return nil
		}),
		Resume: memorystore.New(),
	}, fastOpts(WithSessionExpiredFunc(func() { close(expired) }))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session-expired signal")
	}

	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 refresh before giving up, got %d", got)
	}
	if got := opens.Load(); got != 2 {
		t.Fatalf("expected 2 open attempts (initial + post-refresh), got %d", got)
	}
}

func TestConn_StartIdempotentStopTerminal(t *testing.T) {
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		fl := sseHeaders(w)
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State

	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: newCaptureDispatcher(),
		Refresher:  refresherFunc(func(ctx context.Context) error { return nil }),
		Resume:     memorystore.New(),
	}, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unsub := conn.OnStatus(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer unsub()

	conn.Start()
	conn.Start() // no-op while running

	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != StateOpen {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for open state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopConn(t, conn)
	if conn.State() != StateClosed {
		t.Fatalf("expected closed after Stop, got %q", conn.State())
	}
	if got := opens.Load(); got != 1 {
		t.Fatalf("second Start must not open a second transport, got %d opens", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateIdle {
		t.Fatalf("observer must be called immediately with the current state, got %q", states[0])
	}
}

func TestConn_StopClearsResumptionOnRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := sseHeaders(w)
		fmt.Fprint(w, "id: 7\ndata: {}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	disp := newCaptureDispatcher()
	store := memorystore.New()
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: disp,
		Refresher:  refresherFunc(func(ctx context.Context) error { return nil }),
		Resume:     store,
	}, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()
	disp.wait(t, 5*time.Second)

	if id, _ := store.Load(context.Background()); id != "7" {
		t.Fatalf("cursor should be persisted after dispatch, got %q", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Stop(ctx, StopOptions{ClearResumption: true}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if id, _ := store.Load(context.Background()); id != "" {
		t.Fatalf("cursor should be cleared on logout stop, got %q", id)
	}
}

func TestConn_ControlFramesNotDispatched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := sseHeaders(w)
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		fmt.Fprint(w, "event: conversation-updated\ndata: {\"conversationId\":\"c9\"}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	disp := newCaptureDispatcher()
	conn, err := New(Config{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Dispatcher: disp,
		Refresher:  refresherFunc(func(ctx context.Context) error { return nil }),
		Resume:     memorystore.New(),
	}, fastOpts()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	conn.Start()
	defer stopConn(t, conn)

	evt := disp.wait(t, 5*time.Second)
	if evt.Kind != events.KindConversationUpdated {
		t.Fatalf("control frames must not reach the dispatcher, got %q", evt.Kind)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.events) != 1 {
		t.Fatalf("expected exactly 1 dispatched event, got %d", len(disp.events))
	}
}
