// Package ledger gives typed access to the finance data held in the local
// store: record collections, the budget scalar, the tombstone ledger and the
// sync bookkeeping keys.
//
// Records are opaque JSON objects. The ledger only interprets their "id" and
// "ts" fields; everything else is carried through untouched. A collection
// value that is not valid JSON reads as empty and is logged, never returned
// as an error.
//
// Deleting a record removes it from its collection and records its id in the
// tombstone ledger in the same store batch, so the deletion is known before
// any upload observes the change.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tallybook/tally/internal/store"
	"go.uber.org/zap"
)

// KV is the subset of the store the ledger needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Apply(ctx context.Context, b store.Batch) error
}

// Ledger reads and writes finance data through a KV store.
type Ledger struct {
	kv     KV
	logger *zap.Logger

	// mu serializes read-modify-write sequences within this process.
	mu sync.Mutex
}

// New returns a Ledger over kv. If logger is nil, logging is discarded.
func New(kv KV, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		kv:     kv,
		logger: logger.Named("ledger"),
	}
}

// Header holds the fields of a record the ledger interprets.
type Header struct {
	ID string
	TS int64
}

// ParseHeader extracts the id and timestamp of a raw record. Numeric ids are
// accepted and returned in their decimal text form.
func ParseHeader(raw json.RawMessage) (Header, error) {
	var h struct {
		ID json.RawMessage `json:"id"`
		TS json.Number     `json:"ts"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	id, err := normalizeID(h.ID)
	if err != nil {
		return Header{}, err
	}

	var ts int64
	if h.TS != "" {
		f, err := h.TS.Float64()
		if err != nil {
			return Header{}, fmt.Errorf("%w: ts %q", ErrInvalidRecord, h.TS)
		}
		ts = int64(f)
	}
	return Header{ID: id, TS: ts}, nil
}

func normalizeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("%w: id must be a string or number, got %s", ErrInvalidRecord, raw)
}

// Records returns the records of c in stored order. An absent or corrupt
// collection yields an empty slice.
func (l *Ledger) Records(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	if _, err := ParseCollection(string(c)); err != nil {
		return nil, err
	}
	recs, _, err := l.readCollection(ctx, string(c))
	return recs, err
}

// readCollection returns the parsed collection and whether the key exists.
func (l *Ledger) readCollection(ctx context.Context, key string) ([]json.RawMessage, bool, error) {
	raw, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return []json.RawMessage{}, false, nil
	}

	var recs []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		l.logger.Warn("corrupt collection, reading as empty", zap.String("key", key), zap.Error(err))
		return []json.RawMessage{}, true, nil
	}
	if recs == nil {
		recs = []json.RawMessage{}
	}
	return recs, true, nil
}

// Find returns the record of c with the given id.
func (l *Ledger) Find(ctx context.Context, c Collection, id string) (json.RawMessage, error) {
	recs, err := l.Records(ctx, c)
	if err != nil {
		return nil, err
	}
	if i := indexOf(recs, id); i >= 0 {
		return recs[i], nil
	}
	return nil, fmt.Errorf("%s/%s: %w", c, id, ErrRecordNotFound)
}

// PutRecord appends rec to c, or replaces the record with the same id in
// place. rec must carry an id.
func (l *Ledger) PutRecord(ctx context.Context, c Collection, rec json.RawMessage) error {
	if _, err := ParseCollection(string(c)); err != nil {
		return err
	}
	h, err := ParseHeader(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs, _, err := l.readCollection(ctx, string(c))
	if err != nil {
		return err
	}
	if i := indexOf(recs, h.ID); i >= 0 {
		recs[i] = rec
	} else {
		recs = append(recs, rec)
	}

	value, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c, err)
	}
	return l.kv.Apply(ctx, store.Batch{
		Set:    map[string]string{string(c): string(value)},
		Source: store.SourceLocal,
	})
}

// DeleteRecord removes the record id from c and adds id to the tombstone
// ledger in one atomic write.
func (l *Ledger) DeleteRecord(ctx context.Context, c Collection, id string) error {
	if _, err := ParseCollection(string(c)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs, _, err := l.readCollection(ctx, string(c))
	if err != nil {
		return err
	}
	i := indexOf(recs, id)
	if i < 0 {
		return fmt.Errorf("%s/%s: %w", c, id, ErrRecordNotFound)
	}
	recs = append(recs[:i], recs[i+1:]...)

	tombs, err := l.tombstones(ctx)
	if err != nil {
		return err
	}
	addTombstone(tombs, string(c), id)

	value, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c, err)
	}
	ledger, err := json.Marshal(tombs)
	if err != nil {
		return fmt.Errorf("failed to encode tombstones: %w", err)
	}

	batch := store.Batch{
		Set: map[string]string{
			string(c):     string(value),
			KeyTombstones: string(ledger),
		},
		Source: store.SourceLocal,
	}

	// The first deletion made while signed in marks whose ledger this is.
	owner, _, err := l.kv.Get(ctx, KeyTombstoneOwner)
	if err != nil {
		return err
	}
	if owner == "" {
		if cred, ok, err := l.Credential(ctx); err != nil {
			return err
		} else if ok {
			batch.Set[KeyTombstoneOwner] = cred.Account
		}
	}

	return l.kv.Apply(ctx, batch)
}

func indexOf(recs []json.RawMessage, id string) int {
	for i, rec := range recs {
		h, err := ParseHeader(rec)
		if err != nil {
			continue
		}
		if h.ID == id {
			return i
		}
	}
	return -1
}

// Tombstones returns the tombstone ledger: collection name to deleted ids.
// An absent or corrupt ledger yields an empty map.
func (l *Ledger) Tombstones(ctx context.Context) (map[string][]string, error) {
	return l.tombstones(ctx)
}

func (l *Ledger) tombstones(ctx context.Context) (map[string][]string, error) {
	raw, ok, err := l.kv.Get(ctx, KeyTombstones)
	if err != nil {
		return nil, err
	}
	tombs := map[string][]string{}
	if !ok {
		return tombs, nil
	}
	if err := json.Unmarshal([]byte(raw), &tombs); err != nil {
		l.logger.Warn("corrupt tombstone ledger, reading as empty", zap.Error(err))
		return map[string][]string{}, nil
	}
	if tombs == nil {
		tombs = map[string][]string{}
	}
	return tombs, nil
}

func addTombstone(tombs map[string][]string, collection, id string) {
	for _, existing := range tombs[collection] {
		if existing == id {
			return
		}
	}
	tombs[collection] = append(tombs[collection], id)
}

// ClearTombstones empties the tombstone ledger. It is the only operation that
// shrinks it.
func (l *Ledger) ClearTombstones(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.kv.Apply(ctx, store.Batch{Remove: []string{KeyTombstones}, Source: store.SourceLocal})
}

// TombstoneCount returns how many ids the ledger holds across collections.
func TombstoneCount(tombs map[string][]string) int {
	n := 0
	for _, ids := range tombs {
		n += len(ids)
	}
	return n
}

// Snapshot is the local state sent on upload.
type Snapshot struct {
	// Data holds every present data key. Corrupt collections are sent as [].
	Data map[string]json.RawMessage
	// Deletions is the whole tombstone ledger.
	Deletions map[string][]string
}

// Snapshot reads every data key and the tombstone ledger. Absent keys are
// left out of Data.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{Data: map[string]json.RawMessage{}}

	for _, c := range Collections {
		recs, ok, err := l.readCollection(ctx, string(c))
		if err != nil {
			return Snapshot{}, err
		}
		if !ok {
			continue
		}
		value, err := json.Marshal(recs)
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to encode %s: %w", c, err)
		}
		snap.Data[string(c)] = value
	}

	for _, key := range []string{KeyBudgetAmount, KeyBudgetValid} {
		raw, ok, err := l.kv.Get(ctx, key)
		if err != nil {
			return Snapshot{}, err
		}
		if !ok {
			continue
		}
		if !json.Valid([]byte(raw)) {
			l.logger.Warn("corrupt budget value, not uploading", zap.String("key", key))
			continue
		}
		snap.Data[key] = json.RawMessage(raw)
	}

	tombs, err := l.tombstones(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Deletions = tombs
	return snap, nil
}

// ApplyRemote replaces every known data key present in data and advances the
// last sync timestamp to syncedAt, all as one sync write. Keys that are absent
// from data are left untouched. Unknown keys are skipped and returned sorted.
func (l *Ledger) ApplyRemote(ctx context.Context, data map[string]json.RawMessage, syncedAt int64) (ignored []string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := store.Batch{Set: map[string]string{}, Source: store.SourceSync}
	for key, value := range data {
		if !IsDataKey(key) {
			ignored = append(ignored, key)
			continue
		}
		batch.Set[key] = string(value)
	}
	sort.Strings(ignored)

	last, err := l.lastSync(ctx)
	if err != nil {
		return ignored, err
	}
	if syncedAt > last {
		batch.Set[KeyLastSync] = strconv.FormatInt(syncedAt, 10)
	}

	if err := l.kv.Apply(ctx, batch); err != nil {
		return ignored, fmt.Errorf("failed to apply remote data: %w", err)
	}
	return ignored, nil
}

// ClearSession removes all data and credential keys. The tombstone ledger
// survives.
func (l *Ledger) ClearSession(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.kv.Apply(ctx, store.Batch{Remove: SessionKeys(), Source: store.SourceSync})
}
