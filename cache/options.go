package cache

import (
	"log/slog"
	"time"
)

const (
	// DefaultQuietWindow is the debounce quiet window between the last
	// triggering event and the authoritative refetch.
	DefaultQuietWindow = 400 * time.Millisecond

	// DefaultDedupeCapacity bounds the per-domain dedupe window.
	DefaultDedupeCapacity = 512

	// DefaultReconcileTimeout bounds a single authoritative fetch.
	DefaultReconcileTimeout = 15 * time.Second
)

type reconcilerSettings struct {
	log              *slog.Logger
	quiet            time.Duration
	dedupeCapacity   int
	pageSize         int
	reconcileTimeout time.Duration
}

func defaultSettings() reconcilerSettings {
	return reconcilerSettings{
		log:              slog.Default(),
		quiet:            DefaultQuietWindow,
		dedupeCapacity:   DefaultDedupeCapacity,
		reconcileTimeout: DefaultReconcileTimeout,
	}
}

// ReconcilerOption configures a reconciler.
type ReconcilerOption func(*reconcilerSettings)

// WithLogger sets the slog logger used by the reconciler.
func WithLogger(log *slog.Logger) ReconcilerOption {
	return func(s *reconcilerSettings) { s.log = log }
}

// WithQuietWindow overrides the debounce quiet window.
func WithQuietWindow(d time.Duration) ReconcilerOption {
	return func(s *reconcilerSettings) { s.quiet = d }
}

// WithDedupeCapacity overrides the dedupe window capacity.
func WithDedupeCapacity(n int) ReconcilerOption {
	return func(s *reconcilerSettings) { s.dedupeCapacity = n }
}

// WithPageSize overrides the page size used for authoritative fetches.
func WithPageSize(n int) ReconcilerOption {
	return func(s *reconcilerSettings) { s.pageSize = n }
}

// WithReconcileTimeout bounds each debounced authoritative fetch.
func WithReconcileTimeout(d time.Duration) ReconcilerOption {
	return func(s *reconcilerSettings) { s.reconcileTimeout = d }
}
