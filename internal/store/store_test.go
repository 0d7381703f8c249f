package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// openTestStore opens a file backed store in a temporary directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tally.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// collect subscribes to s and returns a channel of every change seen.
func collect(t *testing.T, s *Store) <-chan Change {
	t.Helper()

	ch := make(chan Change, 64)
	cancel := s.Subscribe(func(c Change) { ch <- c })
	t.Cleanup(cancel)
	return ch
}

func waitChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"memory", func(t *testing.T) string { return ":memory:" }},
		{"file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "tally.db") }},
		{"nested directory", func(t *testing.T) string { return filepath.Join(t.TempDir(), "a", "b", "tally.db") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path(t)
			s, err := Open(context.Background(), path, nil)
			if err != nil {
				t.Fatalf("Open(%q) failed: %v", path, err)
			}
			if s.Path() != path {
				t.Errorf("Path() = %q, want %q", s.Path(), path)
			}
			if s.Origin() == "" {
				t.Error("Origin() should not be empty")
			}
			if err := s.Close(); err != nil {
				t.Errorf("Close() failed: %v", err)
			}
			// Second close is a no-op.
			if err := s.Close(); err != nil {
				t.Errorf("second Close() failed: %v", err)
			}
		})
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tally.db")

	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Set(ctx, "expenses", `[{"id":"a","ts":1}]`); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, ok, err := s.Get(ctx, "expenses")
	if err != nil || !ok {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}
	if got != `[{"id":"a","ts":1}]` {
		t.Errorf("Get() = %q after reopen", got)
	}
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.Get(ctx, "expenses"); err != nil || ok {
		t.Fatalf("Get() on empty store = ok %v, err %v", ok, err)
	}

	if err := s.Set(ctx, "expenses", "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "budget-amount", "1200.50"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "expenses", `[{"id":"x","ts":5}]`); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	got, ok, err := s.Get(ctx, "expenses")
	if err != nil || !ok || got != `[{"id":"x","ts":5}]` {
		t.Errorf("Get(expenses) = %q, %v, %v", got, ok, err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "budget-amount" || keys[1] != "expenses" {
		t.Errorf("Keys() = %v", keys)
	}

	if err := s.Remove(ctx, "expenses", "never-set"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "expenses"); ok {
		t.Error("expenses should be gone after Remove()")
	}
}

func TestApplyAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Set(ctx, "old", "1"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	err := s.Apply(ctx, Batch{
		Set:    map[string]string{"a": "1", "b": "2", "both": "x"},
		Remove: []string{"old", "both"},
		Source: SourceSync,
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}

	// A cancelled context fails the whole batch.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Apply(cctx, Batch{Set: map[string]string{"c": "3"}}); err == nil {
		t.Error("Apply() with cancelled context should fail")
	}
	if _, ok, _ := s.Get(ctx, "c"); ok {
		t.Error("failed Apply() must not leave partial writes")
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ch := collect(t, s)

	if err := s.Set(ctx, "expenses", "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	c := waitChange(t, ch)
	if c.Key != "expenses" || c.Removed || c.Source != SourceLocal {
		t.Errorf("change = %+v", c)
	}

	if err := s.Apply(ctx, Batch{Set: map[string]string{"categories": "[]"}, Source: SourceSync}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	c = waitChange(t, ch)
	if c.Key != "categories" || c.Source != SourceSync {
		t.Errorf("change = %+v", c)
	}

	if err := s.Remove(ctx, "expenses"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	c = waitChange(t, ch)
	if c.Key != "expenses" || !c.Removed {
		t.Errorf("change = %+v", c)
	}

	// Removing an absent key is not a change.
	if err := s.Remove(ctx, "expenses"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	select {
	case c := <-ch:
		t.Errorf("unexpected change %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeCancel(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ch := make(chan Change, 8)
	cancel := s.Subscribe(func(c Change) { ch <- c })
	cancel()
	cancel()

	if err := s.Set(ctx, "expenses", "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	select {
	case c := <-ch:
		t.Errorf("cancelled subscriber saw %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberNotCalledInline(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	release := make(chan struct{})
	done := make(chan struct{})
	s.Subscribe(func(Change) {
		<-release
		close(done)
	})

	// Set must return while the subscriber is still blocked.
	if err := s.Set(ctx, "expenses", "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never ran")
	}
}

func TestJournalTrim(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < journalRetain+50; i++ {
		if err := s.Set(ctx, "expenses", "[]"); err != nil {
			t.Fatalf("Set() #%d failed: %v", i, err)
		}
	}

	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != journalRetain {
		t.Errorf("journal rows = %d, want %d", n, journalRetain)
	}
}

func TestSourceString(t *testing.T) {
	tests := []struct {
		source Source
		want   string
	}{
		{SourceLocal, "local"},
		{SourceSync, "sync"},
		{SourceExternal, "external"},
		{Source(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.source.String(); got != tt.want {
			t.Errorf("Source(%d).String() = %q, want %q", tt.source, got, tt.want)
		}
	}
}
