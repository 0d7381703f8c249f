package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often the ExternalWatcher re-reads the journal
// when no file system event arrives.
const DefaultPollInterval = 2 * time.Second

// ExternalWatcher surfaces writes made by other processes that share the
// store's database file.
//
// It watches the database directory with fsnotify. When the database or its
// WAL file changes, it reads journal rows written by other origins and hands
// them to the store's subscribers as SourceExternal changes. A slow poll
// covers platforms that coalesce or drop WAL events.
type ExternalWatcher struct {
	store        *Store
	watcher      *fsnotify.Watcher
	pollInterval time.Duration

	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	lastSeq int64
}

// NewExternalWatcher creates a watcher for s. s must be file backed.
// The watcher must be started with Start() before it will emit changes.
func NewExternalWatcher(s *Store, pollInterval time.Duration) (*ExternalWatcher, error) {
	if s.path == ":memory:" {
		return nil, fmt.Errorf("in-memory store cannot be shared with other processes")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &ExternalWatcher{
		store:        s,
		watcher:      watcher,
		pollInterval: pollInterval,
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
	}, nil
}

// Start begins watching. Journal rows that already exist are not replayed.
func (w *ExternalWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	seq, err := w.maxSeq(ctx)
	if err != nil {
		return err
	}
	w.lastSeq = seq

	dir := filepath.Dir(w.store.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch store directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *ExternalWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	close(w.errors)

	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *ExternalWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Errors returns the channel that emits watch and journal errors.
// This channel is closed when the watcher is stopped.
func (w *ExternalWatcher) Errors() <-chan error {
	return w.errors
}

func (w *ExternalWatcher) processEvents() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	base := filepath.Base(w.store.path)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.poll()

		case <-ticker.C:
			w.poll()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

// poll reads journal rows newer than the last one seen and dispatches the
// ones written by other origins.
func (w *ExternalWatcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, last, err := w.readJournal(ctx, w.lastSeq)
	if err != nil {
		w.report(err)
		return
	}
	w.lastSeq = last

	if len(changes) > 0 {
		w.store.logger.Debug("external writes detected", zap.Int("keys", len(changes)))
		w.store.dispatch(changes)
	}
}

func (w *ExternalWatcher) readJournal(ctx context.Context, after int64) ([]Change, int64, error) {
	rows, err := w.store.conn.QueryContext(ctx,
		`SELECT seq, key, op, origin, at FROM journal WHERE seq > ? ORDER BY seq`, after)
	if err != nil {
		return nil, after, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	last := after
	var changes []Change
	for rows.Next() {
		var (
			seq             int64
			key, op, origin string
			at              int64
		)
		if err := rows.Scan(&seq, &key, &op, &origin, &at); err != nil {
			return nil, after, fmt.Errorf("failed to scan journal row: %w", err)
		}
		last = seq
		if origin == w.store.origin {
			continue
		}
		changes = append(changes, Change{
			Key:     key,
			Removed: op == "remove",
			Source:  SourceExternal,
			At:      time.UnixMilli(at),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("failed to iterate journal: %w", err)
	}
	return changes, last, nil
}

func (w *ExternalWatcher) maxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.store.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read journal position: %w", err)
	}
	return seq.Int64, nil
}

func (w *ExternalWatcher) report(err error) {
	select {
	case w.errors <- err:
	case <-w.done:
	default:
		w.store.logger.Warn("dropping watcher error", zap.Error(err))
	}
}
