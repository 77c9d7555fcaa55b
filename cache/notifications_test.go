package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/reallife-app/realtime-go/events"
	"github.com/reallife-app/realtime-go/restapi"
)

type fakeNotificationAPI struct {
	mu    sync.Mutex
	calls int
	pages map[string]*restapi.NotificationPage // keyed by cursor, "" = first page
	err   error
}

func (f *fakeNotificationAPI) ListNotifications(ctx context.Context, opts restapi.ListOptions) (*restapi.NotificationPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[opts.Cursor]
	if !ok {
		return &restapi.NotificationPage{}, nil
	}
	return page, nil
}

func (f *fakeNotificationAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func notificationEvent(t *testing.T, eventID, notificationID string) events.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"notificationId": notificationID,
		"type":           "MESSAGE_RECEIVED",
		"preview":        "hello",
		"refId":          "c1",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Event{
		Kind:       events.KindNotificationCreated,
		ID:         eventID,
		RefID:      "c1",
		Payload:    payload,
		ReceivedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotifications_IngestIdempotent(t *testing.T) {
	api := &fakeNotificationAPI{}
	n := NewNotifications(api, WithQuietWindow(time.Hour)) // never fires during the test
	defer n.Close()

	evt := notificationEvent(t, "e1", "n1")
	n.Ingest(context.Background(), evt)

	before := n.Items()
	unreadBefore := n.HasUnread()

	n.Ingest(context.Background(), evt)

	if !reflect.DeepEqual(n.Items(), before) {
		t.Fatalf("second ingest mutated the collection:\nbefore %+v\nafter  %+v", before, n.Items())
	}
	if n.HasUnread() != unreadBefore {
		t.Fatal("second ingest changed the unread flag")
	}
	if len(before) != 1 || before[0].NotificationID != "n1" {
		t.Fatalf("expected single n1 row, got %+v", before)
	}
}

func TestNotifications_IngestPrependsPlaceholder(t *testing.T) {
	n := NewNotifications(&fakeNotificationAPI{}, WithQuietWindow(time.Hour))
	defer n.Close()

	n.Ingest(context.Background(), notificationEvent(t, "e1", "n1"))
	n.Ingest(context.Background(), notificationEvent(t, "e2", "n2"))

	items := n.Items()
	if len(items) != 2 || items[0].NotificationID != "n2" || items[1].NotificationID != "n1" {
		t.Fatalf("expected most-recent-first order, got %+v", items)
	}
	if items[0].Read {
		t.Fatal("placeholder must be unread")
	}
	if !n.HasUnread() {
		t.Fatal("ingest must raise the unread flag")
	}
}

func TestNotifications_MalformedPayloadDropped(t *testing.T) {
	n := NewNotifications(&fakeNotificationAPI{}, WithQuietWindow(time.Hour))
	defer n.Close()

	// Undecodable payload but a valid frame id. The row must not be
	// inserted and the unread flag must stay down.
	n.Ingest(context.Background(), events.Event{
		Kind:       events.KindNotificationCreated,
		ID:         "e77",
		Payload:    json.RawMessage(`{not json`),
		ReceivedAt: time.Now(),
	})

	if items := n.Items(); len(items) != 0 {
		t.Fatalf("malformed payload inserted a row: %+v", items)
	}
	if n.HasUnread() {
		t.Fatal("malformed payload raised the unread flag")
	}

	// Same for a well-formed payload that lacks notificationId.
	payload, _ := json.Marshal(map[string]string{"preview": "hello"})
	n.Ingest(context.Background(), events.Event{
		Kind:       events.KindNotificationCreated,
		ID:         "e78",
		Payload:    payload,
		ReceivedAt: time.Now(),
	})

	if items := n.Items(); len(items) != 0 {
		t.Fatalf("id-less payload inserted a row: %+v", items)
	}
}

func TestNotifications_DebouncedReconcile(t *testing.T) {
	api := &fakeNotificationAPI{pages: map[string]*restapi.NotificationPage{
		"": {Items: []restapi.Notification{{NotificationID: "n1"}}},
	}}
	n := NewNotifications(api, WithQuietWindow(60*time.Millisecond))
	defer n.Close()

	for i := 0; i < 10; i++ {
		n.Ingest(context.Background(), notificationEvent(t, fmt.Sprintf("e%d", i), fmt.Sprintf("n%d", i)))
		time.Sleep(5 * time.Millisecond)
	}

	if got := api.callCount(); got != 0 {
		t.Fatalf("fetch fired inside the quiet window: %d calls", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for api.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for debounced reconcile")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// allow a moment for any (incorrect) extra fetches to land
	time.Sleep(150 * time.Millisecond)
	if got := api.callCount(); got != 1 {
		t.Fatalf("expected exactly 1 reconcile fetch, got %d", got)
	}
}

func TestNotifications_ReconcileReplacesWholesale(t *testing.T) {
	api := &fakeNotificationAPI{pages: map[string]*restapi.NotificationPage{
		"": {
			Items:      []restapi.Notification{{NotificationID: "n5"}, {NotificationID: "n4"}},
			NextCursor: "cur2",
			HasNext:    true,
			HasUnread:  true,
		},
	}}
	n := NewNotifications(api, WithQuietWindow(time.Hour))
	defer n.Close()

	// optimistic placeholder not present in the authoritative page
	n.Ingest(context.Background(), notificationEvent(t, "e9", "n9"))

	if err := n.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	items := n.Items()
	if len(items) != 2 || items[0].NotificationID != "n5" || items[1].NotificationID != "n4" {
		t.Fatalf("collection must equal the fetched page exactly, got %+v", items)
	}
	if !n.HasNext() {
		t.Fatal("pagination state must come from the fetched page")
	}
}

func TestNotifications_ReconcileFailureKeepsStale(t *testing.T) {
	api := &fakeNotificationAPI{pages: map[string]*restapi.NotificationPage{
		"": {Items: []restapi.Notification{{NotificationID: "n1"}}},
	}}
	n := NewNotifications(api, WithQuietWindow(time.Hour))
	defer n.Close()

	if err := n.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	boom := errors.New("boom")
	api.mu.Lock()
	api.err = boom
	api.mu.Unlock()

	if err := n.Reconcile(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if items := n.Items(); len(items) != 1 || items[0].NotificationID != "n1" {
		t.Fatalf("failed reconcile must keep the previous collection, got %+v", items)
	}
	if !errors.Is(n.Err(), boom) {
		t.Fatalf("expected soft error surfaced, got %v", n.Err())
	}

	api.mu.Lock()
	api.err = nil
	api.mu.Unlock()
	if err := n.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile after recovery: %v", err)
	}
	if n.Err() != nil {
		t.Fatalf("successful reconcile must clear the soft error, got %v", n.Err())
	}
}

func TestNotifications_LoadMoreAppendsAndDedupes(t *testing.T) {
	api := &fakeNotificationAPI{pages: map[string]*restapi.NotificationPage{
		"": {
			Items:      []restapi.Notification{{NotificationID: "n3"}, {NotificationID: "n2"}},
			NextCursor: "cur2",
			HasNext:    true,
		},
		"cur2": {
			Items:      []restapi.Notification{{NotificationID: "n2"}, {NotificationID: "n1"}},
			NextCursor: "",
			HasNext:    false,
		},
	}}
	n := NewNotifications(api, WithQuietWindow(time.Hour))
	defer n.Close()

	if err := n.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := n.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}

	items := n.Items()
	want := []string{"n3", "n2", "n1"}
	if len(items) != len(want) {
		t.Fatalf("expected %d rows, got %+v", len(want), items)
	}
	for i, id := range want {
		if items[i].NotificationID != id {
			t.Fatalf("row %d: expected %s, got %s", i, id, items[i].NotificationID)
		}
	}
	if n.HasNext() {
		t.Fatal("exhausted pagination must clear hasNext")
	}

	// a further LoadMore with no next page is a no-op
	calls := api.callCount()
	if err := n.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore past end: %v", err)
	}
	if api.callCount() != calls {
		t.Fatal("LoadMore past end must not hit the API")
	}
}

func TestNotifications_ReconcileSeedsDedupeWindow(t *testing.T) {
	api := &fakeNotificationAPI{pages: map[string]*restapi.NotificationPage{
		"": {Items: []restapi.Notification{{NotificationID: "n1"}}},
	}}
	n := NewNotifications(api, WithQuietWindow(time.Hour))
	defer n.Close()

	if err := n.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// A replay of the event that produced n1 must be a no-op even
	// though that event was never ingested on this connection.
	before := n.Items()
	n.Ingest(context.Background(), notificationEvent(t, "e1", "n1"))
	if !reflect.DeepEqual(n.Items(), before) {
		t.Fatalf("replayed event for a fetched entity mutated the collection")
	}
}
