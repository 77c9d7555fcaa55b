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

// ConversationLister is the slice of the REST collaborator the
// conversations reconciler needs.
type ConversationLister interface {
	ListConversations(ctx context.Context, opts restapi.ListOptions) (*restapi.ConversationPage, error)
}

// Conversations reconciles the conversation list. Events bump the
// referenced conversation to the top with an updated preview; the
// debounced authoritative fetch corrects ordering and unread counts.
type Conversations struct {
	api      ConversationLister
	log      *slog.Logger
	pageSize int
	timeout  time.Duration

	mu         sync.RWMutex
	items      []restapi.ConversationSummary
	nextCursor string
	hasNext    bool
	lastErr    error

	dedupe   *DedupeWindow
	debounce *Debouncer
}

func NewConversations(api ConversationLister, opts ...ReconcilerOption) *Conversations {
	s := defaultSettings()
	s.pageSize = restapi.DefaultPageSize
	for _, opt := range opts {
		opt(&s)
	}

	c := &Conversations{
		api:      api,
		log:      s.log,
		pageSize: s.pageSize,
		timeout:  s.reconcileTimeout,
		dedupe:   NewDedupeWindow(s.dedupeCapacity),
	}
	c.debounce = NewDebouncer(s.quiet, c.reconcileDebounced)
	return c
}

type conversationPayload struct {
	ConversationID     string `json:"conversationId"`
	MessageID          string `json:"messageId"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

// Ingest applies an idempotent optimistic mutation for a
// conversation-updated event and arms the debounced reconcile.
// Distinct messages within one conversation are distinct mutations, so
// deduplication keys on the stream event id (falling back to the
// message id) rather than the conversation id.
func (c *Conversations) Ingest(ctx context.Context, evt events.Event) {
	var p conversationPayload
	if evt.Payload != nil {
		_ = json.Unmarshal(evt.Payload, &p)
	}
	convID := p.ConversationID
	if convID == "" {
		convID = evt.RefID
	}

	key := evt.ID
	if key == "" {
		key = p.MessageID
	}
	if key == "" {
		key = convID
	}
	if key == "" {
		c.debounce.Trigger()
		return
	}
	if c.dedupe.Seen(key) {
		return
	}

	if convID != "" {
		c.mu.Lock()
		idx := slices.IndexFunc(c.items, func(it restapi.ConversationSummary) bool {
			return it.ConversationID == convID
		})
		switch {
		case idx >= 0:
			item := c.items[idx]
			item.UnreadCount++
			item.LastMessageAt = evt.ReceivedAt
			if p.LastMessagePreview != "" {
				item.LastMessagePreview = p.LastMessagePreview
			}
			// move to the top
			c.items = slices.Delete(c.items, idx, idx+1)
			c.items = slices.Insert(c.items, 0, item)
		default:
			// Minimal placeholder; corrected by the next reconcile.
			c.items = slices.Insert(c.items, 0, restapi.ConversationSummary{
				ConversationID:     convID,
				LastMessagePreview: p.LastMessagePreview,
				LastMessageAt:      evt.ReceivedAt,
				UnreadCount:        1,
			})
		}
		c.mu.Unlock()
	}

	c.log.InfoContext(ctx, "cache.conversations.ingest",
		slog.String("conversation_id", convID),
		slog.String("key", key))
	c.debounce.Trigger()
}

// SoftSync arms the debounced reconcile without mutating the
// collection. Cross-domain triggers (e.g. a notification referencing a
// conversation) land here.
func (c *Conversations) SoftSync() {
	c.debounce.Trigger()
}

func (c *Conversations) reconcileDebounced() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.Reconcile(ctx); err != nil {
		c.log.WarnContext(ctx, "cache.conversations.reconcile.fail", slog.String("err", err.Error()))
	}
}

// Reconcile fetches the authoritative first page and replaces the
// collection wholesale.
func (c *Conversations) Reconcile(ctx context.Context) error {
	page, err := c.api.ListConversations(ctx, restapi.ListOptions{Size: c.pageSize})
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return fmt.Errorf("reconcile conversations: %w", err)
	}

	c.mu.Lock()
	c.items = slices.Clone(page.Items)
	c.nextCursor = page.NextCursor
	c.hasNext = page.HasNext
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

// LoadMore appends the next page, deduplicating by conversation id.
func (c *Conversations) LoadMore(ctx context.Context) error {
	c.mu.RLock()
	cursor := c.nextCursor
	hasNext := c.hasNext
	c.mu.RUnlock()
	if !hasNext || cursor == "" {
		return nil
	}

	page, err := c.api.ListConversations(ctx, restapi.ListOptions{Size: c.pageSize, Cursor: cursor})
	if err != nil {
		return fmt.Errorf("load more conversations: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	present := make(map[string]struct{}, len(c.items))
	for _, it := range c.items {
		present[it.ConversationID] = struct{}{}
	}
	for _, it := range page.Items {
		if _, ok := present[it.ConversationID]; ok {
			continue
		}
		c.items = append(c.items, it)
	}
	c.nextCursor = page.NextCursor
	c.hasNext = page.HasNext
	return nil
}

// Items returns a copy of the current collection, most recent first.
func (c *Conversations) Items() []restapi.ConversationSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// HasNext reports whether a further page exists.
func (c *Conversations) HasNext() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasNext
}

// Err returns the error of the last failed reconcile, cleared by the
// next successful one.
func (c *Conversations) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Close cancels any pending debounced reconcile.
func (c *Conversations) Close() {
	c.debounce.Stop()
}
