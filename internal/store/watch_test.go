package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestNewExternalWatcher_MemoryStore(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := NewExternalWatcher(s, 0); err == nil {
		t.Error("NewExternalWatcher() should reject an in-memory store")
	}
}

func TestExternalWatcher_StartStop(t *testing.T) {
	s := openTestStore(t)

	w, err := NewExternalWatcher(s, 0)
	if err != nil {
		t.Fatalf("NewExternalWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}

	// Errors channel is closed after Stop.
	if _, ok := <-w.Errors(); ok {
		t.Error("Errors() should be closed after Stop()")
	}
}

// TestExternalWatcher_OtherProcessWrite opens the same database twice, the
// way two processes would, and checks that a write through one surfaces on
// the other as an external change.
func TestExternalWatcher_OtherProcessWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tally.db")

	writer, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open(writer) failed: %v", err)
	}
	defer writer.Close()

	reader, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open(reader) failed: %v", err)
	}
	defer reader.Close()

	// Written before the watcher starts; must not be replayed.
	if err := writer.Set(ctx, "categories", "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	w, err := NewExternalWatcher(reader, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewExternalWatcher() failed: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	ch := collect(t, reader)

	// The reader's own writes are delivered once, as local changes.
	if err := reader.Set(ctx, "reminders", "[]"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	c := waitChange(t, ch)
	if c.Key != "reminders" || c.Source != SourceLocal {
		t.Errorf("own write = %+v, want local reminders", c)
	}

	if err := writer.Set(ctx, "expenses", `[{"id":"e1","ts":1}]`); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	c = waitChange(t, ch)
	if c.Key != "expenses" || c.Source != SourceExternal || c.Removed {
		t.Errorf("external write = %+v, want external expenses", c)
	}

	if err := writer.Remove(ctx, "expenses"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	c = waitChange(t, ch)
	if c.Key != "expenses" || c.Source != SourceExternal || !c.Removed {
		t.Errorf("external remove = %+v, want removed expenses", c)
	}

	select {
	case c := <-ch:
		t.Errorf("unexpected extra change %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}
