package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupeWindow is a bounded set of recently processed entity
// identifiers. Once capacity is reached the least recently used entry
// is evicted; the window never grows past its cap.
type DedupeWindow struct {
	cache *lru.Cache[string, struct{}]
}

func NewDedupeWindow(capacity int) *DedupeWindow {
	if capacity < 1 {
		capacity = 1
	}
	// lru.New errors only on a non-positive size, which is clamped above.
	c, _ := lru.New[string, struct{}](capacity)
	return &DedupeWindow{cache: c}
}

// Seen records id and reports whether it was already present.
func (w *DedupeWindow) Seen(id string) bool {
	if _, ok := w.cache.Get(id); ok {
		return true
	}
	w.cache.Add(id, struct{}{})
	return false
}

// Contains reports whether id is in the window without recording it.
func (w *DedupeWindow) Contains(id string) bool {
	return w.cache.Contains(id)
}

// Reset drops the window and re-seeds it with ids, oldest first. Used
// after a reconcile so the window reflects the authoritative collection.
func (w *DedupeWindow) Reset(ids []string) {
	w.cache.Purge()
	for i := len(ids) - 1; i >= 0; i-- {
		w.cache.Add(ids[i], struct{}{})
	}
}

// Len returns the current number of tracked identifiers.
func (w *DedupeWindow) Len() int {
	return w.cache.Len()
}
