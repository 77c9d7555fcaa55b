package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/reallife-app/realtime-go/events"
	"github.com/reallife-app/realtime-go/restapi"
)

// PinLister is the slice of the REST collaborator the pins reconciler
// needs.
type PinLister interface {
	ListConversationPins(ctx context.Context, conversationID string, size int) ([]restapi.Pin, error)
}

// DefaultPinTTL is how long a per-conversation pin list stays cached
// without a reconcile before it is dropped and refetched on demand.
const DefaultPinTTL = 10 * time.Minute

// Pins reconciles pinned items, scoped per conversation. Collections
// are kept in a TTL cache so lists for conversations the user left
// eventually age out instead of accumulating.
type Pins struct {
	api      PinLister
	log      *slog.Logger
	pageSize int
	timeout  time.Duration
	quiet    time.Duration

	byConversation *gocache.Cache

	mu        sync.Mutex
	debounces map[string]*Debouncer
	closed    bool
	lastErr   error

	dedupe *DedupeWindow
}

func NewPins(api PinLister, opts ...ReconcilerOption) *Pins {
	s := defaultSettings()
	s.pageSize = restapi.DefaultPinPageSize
	for _, opt := range opts {
		opt(&s)
	}

	return &Pins{
		api:            api,
		log:            s.log,
		pageSize:       s.pageSize,
		timeout:        s.reconcileTimeout,
		quiet:          s.quiet,
		byConversation: gocache.New(DefaultPinTTL, DefaultPinTTL),
		debounces:      make(map[string]*Debouncer),
		dedupe:         NewDedupeWindow(s.dedupeCapacity),
	}
}

// Ingest applies an idempotent optimistic mutation for pin-created and
// pin-updated events. A pin reaching a terminal state is removed; a
// freshly created pin is prepended, with a minimal placeholder when the
// conversation's list is not cached yet.
func (p *Pins) Ingest(ctx context.Context, evt events.Event) {
	var pin restapi.Pin
	if evt.Payload != nil {
		_ = json.Unmarshal(evt.Payload, &pin)
	}
	if pin.ConversationID == "" {
		pin.ConversationID = evt.RefID
	}
	if pin.PinID == "" || pin.ConversationID == "" {
		return
	}

	// A state change is a distinct mutation from creation, so the
	// dedupe key includes the state.
	key := pin.PinID + "|" + pin.State
	if p.dedupe.Seen(key) {
		return
	}

	if pin.CreatedAt.IsZero() {
		pin.CreatedAt = evt.ReceivedAt
	}

	p.mutate(pin.ConversationID, func(pins []restapi.Pin) []restapi.Pin {
		idx := slices.IndexFunc(pins, func(it restapi.Pin) bool { return it.PinID == pin.PinID })
		switch {
		case pin.Terminal():
			if idx >= 0 {
				return slices.Delete(pins, idx, idx+1)
			}
			return pins
		case idx >= 0:
			pins[idx] = pin
			return pins
		default:
			return slices.Insert(pins, 0, pin)
		}
	})

	p.log.InfoContext(ctx, "cache.pins.ingest",
		slog.String("pin_id", pin.PinID),
		slog.String("conversation_id", pin.ConversationID),
		slog.String("state", pin.State))
	p.trigger(pin.ConversationID)
}

func (p *Pins) mutate(conversationID string, fn func([]restapi.Pin) []restapi.Pin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pins []restapi.Pin
	if v, ok := p.byConversation.Get(conversationID); ok {
		pins = v.([]restapi.Pin)
	}
	p.byConversation.SetDefault(conversationID, fn(slices.Clone(pins)))
}

// trigger arms the conversation's debounced reconcile, creating the
// debouncer on first use.
func (p *Pins) trigger(conversationID string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	d, ok := p.debounces[conversationID]
	if !ok {
		d = NewDebouncer(p.quiet, func() { p.reconcileDebounced(conversationID) })
		p.debounces[conversationID] = d
	}
	p.mu.Unlock()
	d.Trigger()
}

func (p *Pins) reconcileDebounced(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Reconcile(ctx, conversationID); err != nil {
		p.log.WarnContext(ctx, "cache.pins.reconcile.fail",
			slog.String("conversation_id", conversationID),
			slog.String("err", err.Error()))
	}
}

// Reconcile fetches the conversation's authoritative pin list and
// replaces the cached collection wholesale.
func (p *Pins) Reconcile(ctx context.Context, conversationID string) error {
	pins, err := p.api.ListConversationPins(ctx, conversationID, p.pageSize)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("reconcile pins for %s: %w", conversationID, err)
	}

	// The dedupe window is shared across conversations, so it is not
	// re-seeded here: a wholesale reset would discard other
	// conversations' recent keys.
	p.mu.Lock()
	p.byConversation.SetDefault(conversationID, slices.Clone(pins))
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// Pins returns a copy of the cached pin list for a conversation,
// newest first. The second return reports whether a list is cached at
// all; callers seeing false should Reconcile.
func (p *Pins) Pins(conversationID string) ([]restapi.Pin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.byConversation.Get(conversationID)
	if !ok {
		return nil, false
	}
	return slices.Clone(v.([]restapi.Pin)), true
}

// Err returns the error of the last failed reconcile, cleared by the
// next successful one.
func (p *Pins) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close cancels all pending debounced reconciles.
func (p *Pins) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, d := range p.debounces {
		d.Stop()
	}
}
