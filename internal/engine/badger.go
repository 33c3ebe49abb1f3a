package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Badger is the alternate on-disk engine. It is also the source format for
// MigrateFromBadgerIfNeeded.
type Badger struct {
	db       *badger.DB
	logger   *logrus.Logger
	inMemory bool
	ready    atomic.Bool
}

var _ Engine = (*Badger)(nil)

// NewBadger opens a Badger database at {DataDir}/ledger, or an in-memory one
// when opts.InMemory is set.
func NewBadger(opts Options) (*Badger, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, LedgerDir)
	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.CacheSizeMB > 0 {
		badgerOpts = badgerOpts.WithBlockCacheSize(int64(opts.CacheSizeMB) << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	b := &Badger{db: db, logger: opts.Logger, inMemory: opts.InMemory}
	b.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"in_memory": opts.InMemory,
	}).Info("BadgerDB engine initialized")
	return b, nil
}

func (b *Badger) Name() string { return BackendBadger }

func (b *Badger) IsReady() bool { return b.ready.Load() }

func (b *Badger) Get(ctx context.Context, key []byte) ([]byte, error) {
	if !b.IsReady() {
		return nil, ErrClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := badgerGet(txn, key)
		value = v
		return err
	})
	return value, err
}

func badgerGet(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (b *Badger) Begin(ctx context.Context) (Txn, error) {
	if !b.IsReady() {
		return nil, ErrClosed
	}
	return &badgerTxn{txn: b.db.NewTransaction(true)}, nil
}

// Scan iterates inside a read-only transaction, which pins the read
// timestamp for the life of the iterator.
func (b *Badger) Scan(ctx context.Context, prefix []byte) (Iterator, error) {
	if !b.IsReady() {
		return nil, ErrClosed
	}

	txn := b.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return &badgerIterator{txn: txn, it: txn.NewIterator(opts), prefix: prefix}, nil
}

// Compact runs value log GC until there is nothing left to rewrite.
func (b *Badger) Compact(ctx context.Context) error {
	if !b.IsReady() {
		return ErrClosed
	}
	if b.inMemory {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger value log gc: %w", err)
		}
	}
}

func (b *Badger) Close() error {
	if !b.ready.CompareAndSwap(true, false) {
		return nil
	}
	b.logger.Info("Closing BadgerDB engine")
	return b.db.Close()
}

type badgerTxn struct {
	txn  *badger.Txn
	done bool
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	return badgerGet(t.txn, key)
}

func (t *badgerTxn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.txn.Set(copyBytes(key), copyBytes(value))
}

func (t *badgerTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.txn.Discard()
	return t.txn.Commit()
}

func (t *badgerTxn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Discard()
}

type badgerIterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	prefix  []byte
	started bool
	closed  bool
}

func (i *badgerIterator) Next() bool {
	if i.closed {
		return false
	}
	if !i.started {
		i.started = true
		i.it.Seek(i.prefix)
	} else {
		i.it.Next()
	}
	return i.it.ValidForPrefix(i.prefix)
}

func (i *badgerIterator) Key() []byte { return i.it.Item().KeyCopy(nil) }

func (i *badgerIterator) Value() ([]byte, error) { return i.it.Item().ValueCopy(nil) }

// Err is always nil: Badger reports read errors per item through Value.
func (i *badgerIterator) Err() error { return nil }

func (i *badgerIterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.it.Close()
	i.txn.Discard()
	return nil
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}
