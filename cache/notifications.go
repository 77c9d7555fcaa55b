package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/reallife-app/realtime-go/events"
	"github.com/reallife-app/realtime-go/restapi"
)

// NotificationLister is the slice of the REST collaborator the
// notifications reconciler needs.
type NotificationLister interface {
	ListNotifications(ctx context.Context, opts restapi.ListOptions) (*restapi.NotificationPage, error)
}

// Notifications reconciles the notification feed against push events
// and authoritative fetches.
type Notifications struct {
	api      NotificationLister
	log      *slog.Logger
	pageSize int
	timeout  time.Duration

	mu         sync.RWMutex
	items      []restapi.Notification
	nextCursor string
	hasNext    bool
	hasUnread  bool
	lastErr    error

	dedupe   *DedupeWindow
	debounce *Debouncer
}

func NewNotifications(api NotificationLister, opts ...ReconcilerOption) *Notifications {
	s := defaultSettings()
	s.pageSize = restapi.DefaultPageSize
	for _, opt := range opts {
		opt(&s)
	}

	n := &Notifications{
		api:      api,
		log:      s.log,
		pageSize: s.pageSize,
		timeout:  s.reconcileTimeout,
		dedupe:   NewDedupeWindow(s.dedupeCapacity),
	}
	n.debounce = NewDebouncer(s.quiet, n.reconcileDebounced)
	return n
}

// notificationPayload is the subset of event payload fields the
// optimistic mutation uses.
type notificationPayload struct {
	NotificationID string `json:"notificationId"`
	Type           string `json:"type"`
	Preview        string `json:"preview"`
	RefID          string `json:"refId"`
}

// Ingest applies an idempotent optimistic mutation for a
// notification-created event and arms the debounced reconcile. A
// redelivered event is a complete no-op.
func (n *Notifications) Ingest(ctx context.Context, evt events.Event) {
	var p notificationPayload
	if evt.Payload != nil {
		_ = json.Unmarshal(evt.Payload, &p)
	}

	key := p.NotificationID
	if key == "" {
		key = evt.ID
	}
	if key == "" {
		// Nothing to mutate or dedupe against; let the authoritative
		// fetch sort it out.
		n.debounce.Trigger()
		return
	}
	if n.dedupe.Seen(key) {
		return
	}
	if p.NotificationID == "" {
		// Payload carried no usable identity (malformed or missing
		// notificationId). Skip the optimistic mutation and let the
		// authoritative fetch sort it out.
		n.log.WarnContext(ctx, "cache.notifications.ingest.no_id", slog.String("id", key))
		n.debounce.Trigger()
		return
	}

	n.mu.Lock()
	if !slices.ContainsFunc(n.items, func(it restapi.Notification) bool {
		return it.NotificationID == p.NotificationID
	}) {
		// Minimal placeholder at the front; corrected by the next
		// reconcile.
		n.items = slices.Insert(n.items, 0, restapi.Notification{
			NotificationID: p.NotificationID,
			Type:           p.Type,
			Preview:        p.Preview,
			RefID:          p.RefID,
			CreatedAt:      evt.ReceivedAt,
		})
	}
	n.hasUnread = true
	n.mu.Unlock()

	n.log.InfoContext(ctx, "cache.notifications.ingest", slog.String("id", key))
	n.debounce.Trigger()
}

// SoftSync arms the debounced reconcile without mutating the
// collection.
func (n *Notifications) SoftSync() {
	n.debounce.Trigger()
}

func (n *Notifications) reconcileDebounced() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.Reconcile(ctx); err != nil {
		n.log.WarnContext(ctx, "cache.notifications.reconcile.fail", slog.String("err", err.Error()))
	}
}

// Reconcile fetches the authoritative first page and replaces the
// collection wholesale. A failure leaves the previous collection intact
// and is reported via Err.
func (n *Notifications) Reconcile(ctx context.Context) error {
	page, err := n.api.ListNotifications(ctx, restapi.ListOptions{Size: n.pageSize})
	if err != nil {
		n.mu.Lock()
		n.lastErr = err
		n.mu.Unlock()
		return fmt.Errorf("reconcile notifications: %w", err)
	}

	ids := make([]string, 0, len(page.Items))
	for _, it := range page.Items {
		ids = append(ids, it.NotificationID)
	}

	n.mu.Lock()
	n.items = slices.Clone(page.Items)
	n.nextCursor = page.NextCursor
	n.hasNext = page.HasNext
	n.hasUnread = page.HasUnread
	n.lastErr = nil
	n.mu.Unlock()

	n.dedupe.Reset(ids)
	return nil
}

// LoadMore appends the next page, deduplicating by id against rows
// already present. A no-op when no further page exists.
func (n *Notifications) LoadMore(ctx context.Context) error {
	n.mu.RLock()
	cursor := n.nextCursor
	hasNext := n.hasNext
	n.mu.RUnlock()
	if !hasNext || cursor == "" {
		return nil
	}

	page, err := n.api.ListNotifications(ctx, restapi.ListOptions{Size: n.pageSize, Cursor: cursor})
	if err != nil {
		return fmt.Errorf("load more notifications: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	present := make(map[string]struct{}, len(n.items))
	for _, it := range n.items {
		present[it.NotificationID] = struct{}{}
	}
	for _, it := range page.Items {
		if _, ok := present[it.NotificationID]; ok {
			continue
		}
		n.items = append(n.items, it)
	}
	n.nextCursor = page.NextCursor
	n.hasNext = page.HasNext
	return nil
}

// Items returns a copy of the current collection, most recent first.
func (n *Notifications) Items() []restapi.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.items)
}

// HasUnread reports whether any unread notification is known.
func (n *Notifications) HasUnread() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hasUnread
}

// HasNext reports whether a further page exists.
func (n *Notifications) HasNext() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hasNext
}

// Err returns the error of the last failed reconcile, cleared by the
// next successful one.
func (n *Notifications) Err() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastErr
}

// Close cancels any pending debounced reconcile.
func (n *Notifications) Close() {
	n.debounce.Stop()
}
