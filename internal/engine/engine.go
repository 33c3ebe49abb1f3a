package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrNotFound       = errors.New("key not found")
	ErrClosed         = errors.New("engine is closed")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrTxnDone        = errors.New("transaction already committed or discarded")
)

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Engine is an ordered byte-oriented key-value store with single-writer
// transactions and point-in-time scans.
type Engine interface {
	Name() string

	// Get returns a copy of the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Begin starts a read-write transaction. Writes are invisible to Get and
	// Scan until Commit succeeds.
	Begin(ctx context.Context) (Txn, error)

	// Scan returns an iterator over all keys with the given prefix, in
	// ascending order, as of the moment Scan was called.
	Scan(ctx context.Context, prefix []byte) (Iterator, error)

	// Compact asks the backend to reclaim space. Backends without a
	// compaction step return nil.
	Compact(ctx context.Context) error

	IsReady() bool
	Close() error
}

// Txn is a read-write transaction opened by Engine.Begin.
type Txn interface {
	// Get sees the transaction's own uncommitted writes.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Commit() error
	// Discard releases the transaction. It is safe to call after Commit.
	Discard()
}

// Iterator walks a snapshot. Next must be called before the first Key.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() ([]byte, error)
	Err() error
	Close() error
}

// Options configures Open.
type Options struct {
	DataDir     string
	SyncWrites  bool
	CacheSizeMB int
	// InMemory runs Badger without touching disk. Ignored by other backends.
	InMemory bool
	Logger   *logrus.Logger
}

// Open creates the engine named by backend.
func Open(backend string, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	switch backend {
	case BackendPebble:
		return NewPebble(opts)
	case BackendBadger:
		return NewBadger(opts)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// prefixEnd returns the smallest key strictly greater than every key that
// starts with prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
