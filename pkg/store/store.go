package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned on commit when a conversation changed underneath the transaction.
	ErrVersionConflict = errors.New("store: conversation version conflict")
	// ErrTxDone is returned when a finished transaction is reused.
	ErrTxDone = errors.New("store: transaction already finished")
	// ErrLeaseLost is returned on commit when a guarded job lease was reclaimed.
	ErrLeaseLost = errors.New("store: job lease lost")
)

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// ParseFsyncMode maps a config string to a FsyncMode.
func ParseFsyncMode(value string) FsyncMode {
	switch value {
	case "always":
		return FsyncModeAlways
	case "interval":
		return FsyncModeInterval
	case "never":
		return FsyncModeNever
	default:
		return FsyncModeUnspecified
	}
}

// Options configures the store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble.
	PebbleOptions *pebble.Options
}

// Store is the durable record store for jobs, events, contacts, conversations and messages.
//
// Writes go through Tx batches. Commits are serialized by a single write mutex,
// which also backs Exclusive read-modify-write sections such as queue claims.
type Store struct {
	db        *pebble.DB
	writeSync bool
	mu        sync.Mutex
}

// Open creates or opens the store under opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("store: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.DataDir, err)
	}

	return &Store{
		db:        db,
		writeSync: opts.Fsync == FsyncModeAlways,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin starts a transaction. Reads observe the transaction's own writes.
func (s *Store) Begin() *Tx {
	return &Tx{
		store:  s,
		batch:  s.db.NewIndexedBatch(),
		guards: make(map[string]int64),
		leases: make(map[string]string),
	}
}

// Exclusive runs fn inside a transaction while holding the store write lock,
// so the reads fn performs cannot be invalidated before its writes commit.
// fn must not block on external calls.
func (s *Store) Exclusive(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.Begin()
	tx.locked = true
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit(ctx)
}

// View runs fn against a transaction that is always discarded.
func (s *Store) View(fn func(tx *Tx) error) error {
	tx := s.Begin()
	defer tx.Rollback()
	return fn(tx)
}

func (s *Store) syncOption() *pebble.WriteOptions {
	if s.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Tx is an atomic batch of record writes.
type Tx struct {
	store  *Store
	batch  *pebble.Batch
	guards map[string]int64
	leases map[string]string
	locked bool
	done   bool
}

// Commit atomically applies the transaction. Conversation writes made with
// SaveConversation fail with ErrVersionConflict if the stored version moved,
// and a job guarded with GuardJobLease fails with ErrLeaseLost once its lease
// changed.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.batch.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	if !tx.locked {
		tx.store.mu.Lock()
		defer tx.store.mu.Unlock()
	}

	if err := tx.checkGuards(); err != nil {
		return err
	}
	if tx.batch.Empty() {
		return nil
	}

	if err := tx.batch.Commit(tx.store.syncOption()); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Rollback discards the transaction. It is safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}

// GuardJobLease makes Commit fail unless job id is still running under lease.
func (tx *Tx) GuardJobLease(id, lease string) {
	tx.leases[id] = lease
}

func (tx *Tx) checkGuards() error {
	for id, lease := range tx.leases {
		var stored Job
		err := readCommitted(tx.store.db, jobKey(id), &stored)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err != nil || stored.Status != JobRunning || stored.LeaseID != lease {
			return fmt.Errorf("job %s: %w", id, ErrLeaseLost)
		}
	}
	for id, base := range tx.guards {
		var stored Conversation
		err := readCommitted(tx.store.db, conversationKey(id), &stored)
		if errors.Is(err, ErrNotFound) {
			if base == 0 {
				continue
			}
			return fmt.Errorf("conversation %s: %w", id, ErrVersionConflict)
		}
		if err != nil {
			return err
		}
		if stored.State.Version != base {
			return fmt.Errorf("conversation %s at version %d, expected %d: %w", id, stored.State.Version, base, ErrVersionConflict)
		}
	}
	return nil
}

func readCommitted(db *pebble.DB, key []byte, v any) error {
	val, closer, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (tx *Tx) getRaw(key []byte) ([]byte, error) {
	val, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (tx *Tx) getJSON(key []byte, v any) error {
	raw, err := tx.getRaw(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

func (tx *Tx) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return tx.batch.Set(key, raw, nil)
}

func (tx *Tx) set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

func (tx *Tx) del(key []byte) error {
	return tx.batch.Delete(key, nil)
}

// scanKeys returns the keys in [lower, upper) in order, up to limit when limit > 0.
func (tx *Tx) scanKeys(lower, upper []byte, limit int, reverse bool) ([][]byte, [][]byte, error) {
	iter, err := tx.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	var keys, values [][]byte
	first, next := iter.First, iter.Next
	if reverse {
		first, next = iter.Last, iter.Prev
	}
	for ok := first(); ok; ok = next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
		values = append(values, append([]byte(nil), iter.Value()...))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}

	return keys, values, iter.Error()
}
