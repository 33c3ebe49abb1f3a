package ledger

import (
	"errors"

	"github.com/ledgerd/ledgerd/internal/engine"
)

// State is the lifecycle of a transaction: StateOpen until it ends as
// StateCommitted or StateCancelled.
type State int

const (
	StateOpen State = iota
	StateCommitted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Txn is the write handle passed to Table.Update. It must not be used after
// the Update callback returns.
type Txn struct {
	table  *Table
	etx    engine.Txn
	state  State
	writes int
}

func (tx *Txn) State() State { return tx.state }

// Get reads key, seeing writes made earlier in this transaction.
func (tx *Txn) Get(key string) ([]byte, error) {
	if tx.state != StateOpen {
		return nil, ErrTxnClosed
	}
	v, err := tx.etx.Get(tx.table.physicalKey(key))
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "failed to read key '%s' from table %s: %v", key, tx.table.name, err)
	}
	return v, nil
}

// Set upserts key. It fails with ErrTxnClosed once the transaction ended.
func (tx *Txn) Set(key string, value []byte) error {
	if tx.state != StateOpen {
		return ErrTxnClosed
	}
	if err := tx.etx.Set(tx.table.physicalKey(key), value); err != nil {
		return storageError(err, "%v", err)
	}
	tx.writes++
	return nil
}

// Cancel discards every write made so far. Further Set calls fail.
func (tx *Txn) Cancel() {
	if tx.state != StateOpen {
		return
	}
	tx.state = StateCancelled
	tx.etx.Discard()
}

// release runs on every exit from Table.Update, including panics.
func (tx *Txn) release() {
	if tx.state == StateOpen {
		tx.state = StateCancelled
	}
	tx.etx.Discard()
}
