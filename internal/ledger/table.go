package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/sirupsen/logrus"
)

var nameConstraint = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Table is a named key space inside an engine. Reads go through Get and
// Cursor; writes are only possible inside Update.
type Table struct {
	name   string
	prefix []byte
	eng    engine.Engine
	logger *logrus.Logger

	writer atomic.Bool
}

// Open returns a handle to the table called name. Several tables may share
// one engine.
func Open(eng engine.Engine, name string, logger *logrus.Logger) (*Table, error) {
	if !nameConstraint.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Table{
		name:   name,
		prefix: []byte("t/" + name + "/"),
		eng:    eng,
		logger: logger,
	}, nil
}

func (t *Table) Name() string { return t.name }

// Ready reports whether the underlying engine accepts requests.
func (t *Table) Ready() bool { return t.eng.IsReady() }

func (t *Table) physicalKey(key string) []byte {
	k := make([]byte, 0, len(t.prefix)+len(key))
	k = append(k, t.prefix...)
	return append(k, key...)
}

// Get returns the committed value for key. An absent key yields an empty
// result and a nil error; only engine faults are errors.
func (t *Table) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := t.eng.Get(ctx, t.physicalKey(key))
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "failed to read key '%s' from table %s: %v", key, t.name, err)
	}
	return v, nil
}

// Update runs fn inside a transaction and closes it on every exit path.
// The transaction commits when fn returns nil without calling Cancel;
// otherwise every write made through it is discarded. Only one Update may
// run per table at a time; a concurrent call returns ErrWriterBusy without
// running fn.
func (t *Table) Update(ctx context.Context, fn func(tx *Txn) error) (State, error) {
	if !t.writer.CompareAndSwap(false, true) {
		return StateCancelled, ErrWriterBusy
	}
	defer t.writer.Store(false)

	etx, err := t.eng.Begin(ctx)
	if err != nil {
		return StateCancelled, storageError(err, "failed to open transaction on table %s: %v", t.name, err)
	}
	tx := &Txn{table: t, etx: etx}
	defer tx.release()

	if err := fn(tx); err != nil {
		tx.Cancel()
		return StateCancelled, err
	}
	if tx.state == StateCancelled {
		return StateCancelled, nil
	}

	if err := etx.Commit(); err != nil {
		tx.state = StateCancelled
		return StateCancelled, storageError(err, "failed to commit transaction on table %s: %v", t.name, err)
	}
	tx.state = StateCommitted

	t.logger.WithFields(logrus.Fields{
		"table":  t.name,
		"writes": tx.writes,
	}).Debug("Transaction committed")
	return StateCommitted, nil
}

// Cursor opens a scan over the table as of this call. The caller must
// exhaust or Close it.
func (t *Table) Cursor(ctx context.Context) (*Cursor, error) {
	it, err := t.eng.Scan(ctx, t.prefix)
	if err != nil {
		return nil, storageError(err, "failed to open cursor on table %s: %v", t.name, err)
	}
	return &Cursor{table: t, it: it}, nil
}
