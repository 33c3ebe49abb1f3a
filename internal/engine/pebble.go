package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// LedgerDir is the directory under the data dir holding the on-disk engine.
const LedgerDir = "ledger"

// Pebble is the default on-disk engine.
type Pebble struct {
	db        *pebble.DB
	logger    *logrus.Logger
	writeOpts *pebble.WriteOptions
	ready     atomic.Bool
}

var _ Engine = (*Pebble)(nil)

// NewPebble opens (or creates) a Pebble database at {DataDir}/ledger.
func NewPebble(opts Options) (*Pebble, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 64
	}

	dbPath := filepath.Join(opts.DataDir, LedgerDir)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := openPebble(dbPath, int64(opts.CacheSizeMB)<<20, opts.Logger)
	if err != nil {
		return nil, err
	}

	p := &Pebble{
		db:        db,
		logger:    opts.Logger,
		writeOpts: pebble.NoSync,
	}
	if opts.SyncWrites {
		p.writeOpts = pebble.Sync
	}
	p.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"path":        dbPath,
		"sync_writes": opts.SyncWrites,
	}).Info("Pebble engine initialized")
	return p, nil
}

func openPebble(path string, cacheSize int64, logger *logrus.Logger) (*pebble.DB, error) {
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return db, nil
}

func (p *Pebble) Name() string { return BackendPebble }

func (p *Pebble) IsReady() bool { return p.ready.Load() }

func (p *Pebble) Get(ctx context.Context, key []byte) ([]byte, error) {
	if !p.IsReady() {
		return nil, ErrClosed
	}
	return pebbleGet(p.db, key)
}

// pebbleReader is satisfied by *pebble.DB and *pebble.Batch.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// pebbleGet reads a single key and returns a safe copy of the value.
func pebbleGet(r pebbleReader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data := copyBytes(val)
	_ = closer.Close()
	return data, nil
}

// Begin opens an indexed batch so the transaction can read its own writes.
func (p *Pebble) Begin(ctx context.Context) (Txn, error) {
	if !p.IsReady() {
		return nil, ErrClosed
	}
	return &pebbleTxn{batch: p.db.NewIndexedBatch(), writeOpts: p.writeOpts}, nil
}

// Scan iterates over a Pebble snapshot bounded to [prefix, prefixEnd(prefix)).
func (p *Pebble) Scan(ctx context.Context, prefix []byte) (Iterator, error) {
	if !p.IsReady() {
		return nil, ErrClosed
	}

	snap := p.db.NewSnapshot()
	it, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		_ = snap.Close()
		return nil, fmt.Errorf("failed to create pebble iterator: %w", err)
	}
	return &pebbleIterator{it: it, snap: snap}, nil
}

// Compact flushes memtables and compacts the whole key space.
func (p *Pebble) Compact(ctx context.Context) error {
	if !p.IsReady() {
		return ErrClosed
	}
	if err := p.db.Flush(); err != nil {
		return fmt.Errorf("failed to flush pebble: %w", err)
	}
	return p.db.Compact([]byte{0x00}, []byte{0xff, 0xff, 0xff, 0xff}, true)
}

func (p *Pebble) Close() error {
	if !p.ready.CompareAndSwap(true, false) {
		return nil
	}
	p.logger.Info("Closing Pebble engine")
	return p.db.Close()
}

type pebbleTxn struct {
	batch     *pebble.Batch
	writeOpts *pebble.WriteOptions
	done      bool
}

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	return pebbleGet(t.batch, key)
}

func (t *pebbleTxn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.batch.Set(key, value, nil)
}

func (t *pebbleTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	err := t.batch.Commit(t.writeOpts)
	_ = t.batch.Close()
	return err
}

func (t *pebbleTxn) Discard() {
	if t.done {
		return
	}
	t.done = true
	_ = t.batch.Close()
}

type pebbleIterator struct {
	it      *pebble.Iterator
	snap    *pebble.Snapshot
	started bool
	closed  bool
	err     error
}

func (i *pebbleIterator) Next() bool {
	if i.closed {
		return false
	}
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Next()
}

func (i *pebbleIterator) Key() []byte { return copyBytes(i.it.Key()) }

func (i *pebbleIterator) Value() ([]byte, error) {
	v := i.it.Value()
	if err := i.it.Error(); err != nil {
		return nil, err
	}
	return copyBytes(v), nil
}

func (i *pebbleIterator) Err() error {
	if i.closed {
		return i.err
	}
	return i.it.Error()
}

func (i *pebbleIterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.err = i.it.Error()
	err := i.it.Close()
	if serr := i.snap.Close(); err == nil {
		err = serr
	}
	return err
}

// pebbleLogger forwards Pebble's internal logging to logrus.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}
