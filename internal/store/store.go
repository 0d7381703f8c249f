// Package store provides the durable key/value store that holds all tally data
// on the local machine.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode).
// Every value is JSON text addressed by a key such as "expenses" or
// "last-sync-timestamp". Writes are observable: callers register a callback
// with Subscribe and are told, asynchronously, which keys changed. Writes made
// by other processes sharing the same database file are surfaced through the
// ExternalWatcher.
//
// Layout:
//   - kv:      key -> value, updated_at (epoch ms)
//   - journal: append-only (seq, key, op, origin, at), trimmed to the newest
//     journalRetain rows
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// journalRetain is how many journal rows survive a trim.
const journalRetain = 1000

// Source tells subscribers where a write came from.
type Source int

const (
	// SourceLocal is a write made through this Store by application code.
	SourceLocal Source = iota
	// SourceSync is a write made by the sync engine while applying remote state.
	SourceSync
	// SourceExternal is a write made by another process sharing the database file.
	SourceExternal
)

// String returns a human-readable representation of the source.
func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceSync:
		return "sync"
	case SourceExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Change describes one key touched by a write.
type Change struct {
	// Key is the store key that was set or removed.
	Key string
	// Removed is true when the key was deleted.
	Removed bool
	// Source identifies who made the write.
	Source Source
	// At is when the write was committed.
	At time.Time
}

// Batch is a set of writes applied atomically.
type Batch struct {
	Set    map[string]string
	Remove []string
	Source Source
}

// Observable is a store whose writes can be observed.
//
// Subscribe registers fn and returns a function that removes it. fn is never
// called from inside the write call itself.
type Observable interface {
	Subscribe(fn func(Change)) (cancel func())
}

// Store is the durable local store.
type Store struct {
	conn   *sql.DB
	path   string
	origin string
	logger *zap.Logger

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	// wg tracks in-flight subscriber deliveries.
	wg sync.WaitGroup
}

var _ Observable = (*Store)(nil)

// Open opens (or creates) the store at path and applies migrations.
//
// path may be ":memory:" for a private in-memory store. If logger is nil,
// logging is discarded.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connStr := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// One connection: writes are serialized and an in-memory database is
	// shared by every query.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{
		conn:   conn,
		path:   path,
		origin: uuid.NewString(),
		logger: logger.Named("store"),
		subs:   make(map[int]func(Change)),
	}, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Origin returns the identifier this Store stamps on its journal rows.
func (s *Store) Origin() string {
	return s.origin
}

// Close waits for pending subscriber deliveries and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.wg.Wait()

	if s.path != ":memory:" {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// Get returns the value stored under key. ok is false if the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Keys returns all keys currently present, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return keys, nil
}

// Set stores value under key as a local write.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.Apply(ctx, Batch{Set: map[string]string{key: value}, Source: SourceLocal})
}

// Remove deletes keys as a local write. Absent keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	return s.Apply(ctx, Batch{Remove: keys, Source: SourceLocal})
}

// Apply commits every write in b in one transaction and then notifies
// subscribers. A key listed in both Set and Remove is removed.
func (s *Store) Apply(ctx context.Context, b Batch) error {
	if len(b.Set) == 0 && len(b.Remove) == 0 {
		return nil
	}

	now := time.Now()
	nowMs := now.UnixMilli()

	removed := make(map[string]bool, len(b.Remove))
	for _, key := range b.Remove {
		removed[key] = true
	}

	// Deterministic order keeps journal sequences stable across runs.
	setKeys := make([]string, 0, len(b.Set))
	for key := range b.Set {
		if !removed[key] {
			setKeys = append(setKeys, key)
		}
	}
	sort.Strings(setKeys)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	changes := make([]Change, 0, len(setKeys)+len(b.Remove))

	for _, key := range setKeys {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
		`, key, b.Set[key], nowMs)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
		if err := s.journal(ctx, tx, key, "set", nowMs); err != nil {
			return err
		}
		changes = append(changes, Change{Key: key, Source: b.Source, At: now})
	}

	for _, key := range b.Remove {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if err := s.journal(ctx, tx, key, "remove", nowMs); err != nil {
			return err
		}
		changes = append(changes, Change{Key: key, Removed: true, Source: b.Source, At: now})
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM journal WHERE seq <= (SELECT MAX(seq) FROM journal) - ?`, journalRetain); err != nil {
		return fmt.Errorf("failed to trim journal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.dispatch(changes)
	return nil
}

func (s *Store) journal(ctx context.Context, tx *sql.Tx, key, op string, at int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO journal (key, op, origin, at) VALUES (?, ?, ?, ?)`,
		key, op, s.origin, at)
	if err != nil {
		return fmt.Errorf("failed to journal %s: %w", key, err)
	}
	return nil
}

// Subscribe registers fn for every subsequent write. The returned cancel
// function is idempotent.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// dispatch hands changes to subscribers on a separate goroutine so that the
// writer never waits on an observer.
func (s *Store) dispatch(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.subsMu.Lock()
	if len(s.subs) == 0 {
		s.subsMu.Unlock()
		return
	}
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subsMu.Unlock()
	sort.Ints(ids)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, c := range changes {
			for _, id := range ids {
				// Re-check: a subscriber cancelled after the write must not
				// see it.
				s.subsMu.Lock()
				fn, ok := s.subs[id]
				s.subsMu.Unlock()
				if ok {
					fn(c)
				}
			}
		}
	}()
}
