// Package resumetest provides a conformance suite that every
// resume.Store implementation must pass.
package resumetest

import (
	"context"
	"testing"

	"github.com/reallife-app/realtime-go/resume"
)

// RunStoreTests runs the conformance suite against stores produced by
// newStore. Each subtest receives a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) resume.Store) {
	t.Helper()

	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("Load on empty store: %v", err)
		}
		if id != "" {
			t.Fatalf("expected empty cursor, got %q", id)
		}
	})

	t.Run("SaveThenLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "42"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		id, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if id != "42" {
			t.Fatalf("expected cursor %q, got %q", "42", id)
		}
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"1", "2", "3"} {
			if err := s.Save(ctx, id); err != nil {
				t.Fatalf("Save(%q): %v", id, err)
			}
		}
		id, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if id != "3" {
			t.Fatalf("expected last saved cursor %q, got %q", "3", id)
		}
	})

	t.Run("SaveEmptyIgnored", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "7"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := s.Save(ctx, ""); err != nil {
			t.Fatalf("Save empty: %v", err)
		}
		id, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if id != "7" {
			t.Fatalf("empty save must not clobber cursor, got %q", id)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Save(ctx, "9"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		id, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if id != "" {
			t.Fatalf("expected cleared cursor, got %q", id)
		}
		// clearing twice is a no-op
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("second Clear: %v", err)
		}
	})
}
