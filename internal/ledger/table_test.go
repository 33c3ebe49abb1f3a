package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDisk = errors.New("disk on fire")

// faultyEngine wraps the memory engine and fails the operations whose flag
// is set.
type faultyEngine struct {
	*engine.Memory
	failGet    bool
	failBegin  bool
	failScan   bool
	failSet    bool
	failCommit bool
	badValue   string
}

func (f *faultyEngine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if f.failGet {
		return nil, errDisk
	}
	return f.Memory.Get(ctx, key)
}

func (f *faultyEngine) Begin(ctx context.Context) (engine.Txn, error) {
	if f.failBegin {
		return nil, errDisk
	}
	txn, err := f.Memory.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTxn{Txn: txn, f: f}, nil
}

func (f *faultyEngine) Scan(ctx context.Context, prefix []byte) (engine.Iterator, error) {
	if f.failScan {
		return nil, errDisk
	}
	it, err := f.Memory.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return &faultyIterator{Iterator: it, f: f}, nil
}

type faultyTxn struct {
	engine.Txn
	f *faultyEngine
}

func (t *faultyTxn) Set(key, value []byte) error {
	if t.f.failSet {
		return errDisk
	}
	return t.Txn.Set(key, value)
}

func (t *faultyTxn) Commit() error {
	if t.f.failCommit {
		t.Txn.Discard()
		return errDisk
	}
	return t.Txn.Commit()
}

type faultyIterator struct {
	engine.Iterator
	f *faultyEngine
}

func (i *faultyIterator) Value() ([]byte, error) {
	if i.f.badValue != "" && string(i.Key()) == "t/my_table/"+i.f.badValue {
		return nil, errDisk
	}
	return i.Iterator.Value()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func setupTable(t *testing.T) (*Table, *faultyEngine) {
	t.Helper()
	eng := &faultyEngine{Memory: engine.NewMemory()}
	table, err := Open(eng, "my_table", testLogger())
	require.NoError(t, err)
	return table, eng
}

func put(t *testing.T, table *Table, kv ...string) {
	t.Helper()
	state, err := table.Update(context.Background(), func(tx *Txn) error {
		for i := 0; i+1 < len(kv); i += 2 {
			if err := tx.Set(kv[i], []byte(kv[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StateCommitted, state)
}

func dump(t *testing.T, table *Table) map[string]string {
	t.Helper()
	c, err := table.Cursor(context.Background())
	require.NoError(t, err)
	out := map[string]string{}
	for e, ok := c.Next(); ok; e, ok = c.Next() {
		out[e.Key] = string(e.Value)
	}
	require.NoError(t, c.Close())
	return out
}

func TestOpenValidatesName(t *testing.T) {
	for _, name := range []string{"", "a/b", "with space", "dots.not.ok"} {
		_, err := Open(engine.NewMemory(), name, nil)
		assert.ErrorIs(t, err, ErrInvalidTableName, name)
	}
	table, err := Open(engine.NewMemory(), "scores_2", nil)
	require.NoError(t, err)
	assert.Equal(t, "scores_2", table.Name())
	assert.True(t, table.Ready())
}

func TestTableGet(t *testing.T) {
	table, eng := setupTable(t)
	ctx := context.Background()

	t.Run("AbsentIsEmptyNotError", func(t *testing.T) {
		v, err := table.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("Hit", func(t *testing.T) {
		put(t, table, "k", "v")
		v, err := table.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	})

	t.Run("EngineFault", func(t *testing.T) {
		eng.failGet = true
		defer func() { eng.failGet = false }()

		_, err := table.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.ErrorIs(t, err, errDisk)
	})

	t.Run("TablesAreIsolated", func(t *testing.T) {
		other, err := Open(eng, "other", testLogger())
		require.NoError(t, err)
		v, err := other.Get(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, v)
	})
}

func TestTableUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitOnNilReturn", func(t *testing.T) {
		table, _ := setupTable(t)
		put(t, table, "a", "1", "b", "2")
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, dump(t, table))
	})

	t.Run("LatestWriteWins", func(t *testing.T) {
		table, _ := setupTable(t)
		put(t, table, "a", "1")
		put(t, table, "a", "2")
		v, err := table.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "2", string(v))
	})

	t.Run("CancelDiscardsEverything", func(t *testing.T) {
		table, _ := setupTable(t)
		put(t, table, "a", "1")
		before := dump(t, table)

		var txRef *Txn
		state, err := table.Update(ctx, func(tx *Txn) error {
			txRef = tx
			require.NoError(t, tx.Set("a", []byte("changed")))
			require.NoError(t, tx.Set("b", []byte("new")))
			tx.Cancel()
			assert.ErrorIs(t, tx.Set("c", []byte("late")), ErrTxnClosed)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, state)
		assert.Equal(t, StateCancelled, txRef.State())
		assert.Equal(t, before, dump(t, table))
	})

	t.Run("ErrorCancels", func(t *testing.T) {
		table, _ := setupTable(t)
		boom := errors.New("boom")
		state, err := table.Update(ctx, func(tx *Txn) error {
			require.NoError(t, tx.Set("a", []byte("1")))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateCancelled, state)
		assert.Empty(t, dump(t, table))
	})

	t.Run("PanicCancelsAndReleasesWriter", func(t *testing.T) {
		table, _ := setupTable(t)
		assert.Panics(t, func() {
			_, _ = table.Update(ctx, func(tx *Txn) error {
				_ = tx.Set("a", []byte("1"))
				panic("handler bug")
			})
		})
		assert.Empty(t, dump(t, table))
		put(t, table, "b", "2")
	})

	t.Run("ReadYourWrites", func(t *testing.T) {
		table, _ := setupTable(t)
		_, err := table.Update(ctx, func(tx *Txn) error {
			require.NoError(t, tx.Set("a", []byte("1")))
			v, err := tx.Get("a")
			require.NoError(t, err)
			assert.Equal(t, "1", string(v))

			committed, err := table.Get(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, committed)

			missing, err := tx.Get("zzz")
			require.NoError(t, err)
			assert.Empty(t, missing)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("SingleWriter", func(t *testing.T) {
		table, _ := setupTable(t)
		var inner error
		_, err := table.Update(ctx, func(tx *Txn) error {
			_, inner = table.Update(ctx, func(*Txn) error {
				t.Fatal("nested transaction must not run")
				return nil
			})
			return nil
		})
		require.NoError(t, err)
		assert.ErrorIs(t, inner, ErrWriterBusy)
	})

	t.Run("ConcurrentWritersSerializeOrFail", func(t *testing.T) {
		table, _ := setupTable(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		results := map[State]int{}
		busy := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				state, err := table.Update(ctx, func(tx *Txn) error {
					return tx.Set("k", []byte("v"))
				})
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, ErrWriterBusy) {
					busy++
					return
				}
				results[state]++
			}()
		}
		wg.Wait()
		assert.Equal(t, 16, results[StateCommitted]+busy)
		assert.GreaterOrEqual(t, results[StateCommitted], 1)
	})

	t.Run("BeginFault", func(t *testing.T) {
		table, eng := setupTable(t)
		eng.failBegin = true
		ran := false
		state, err := table.Update(ctx, func(*Txn) error { ran = true; return nil })
		assert.False(t, ran)
		assert.Equal(t, StateCancelled, state)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	})

	t.Run("SetFault", func(t *testing.T) {
		table, eng := setupTable(t)
		eng.failSet = true
		_, err := table.Update(ctx, func(tx *Txn) error {
			err := tx.Set("a", []byte("1"))
			assert.ErrorIs(t, err, ErrStorageUnavailable)
			assert.Equal(t, errDisk.Error(), err.Error())
			return err
		})
		assert.ErrorIs(t, err, errDisk)
	})

	t.Run("CommitFault", func(t *testing.T) {
		table, eng := setupTable(t)
		eng.failCommit = true
		state, err := table.Update(ctx, func(tx *Txn) error {
			return tx.Set("a", []byte("1"))
		})
		assert.Equal(t, StateCancelled, state)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		eng.failCommit = false
		assert.Empty(t, dump(t, table))
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "committed", StateCommitted.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestErrorKinds(t *testing.T) {
	err := NewError(ErrPayloadParse, nil, "failed to parse '%s' as json", "x")
	assert.Equal(t, "failed to parse 'x' as json", err.Error())
	assert.ErrorIs(t, err, ErrPayloadParse)
	assert.Equal(t, "payload_parse", KindName(err))

	wrapped := NewError(ErrStorageUnavailable, errDisk, "")
	assert.Equal(t, "storage unavailable: disk on fire", wrapped.Error())
	assert.ErrorIs(t, wrapped, errDisk)
	assert.Equal(t, "storage_unavailable", KindName(wrapped))

	assert.Equal(t, "encoding", KindName(&Error{Kind: ErrEncoding}))
	assert.Equal(t, "not_found", KindName(&Error{Kind: ErrKeyNotFound}))
	assert.Equal(t, "writer_busy", KindName(ErrWriterBusy))
	assert.Equal(t, "internal", KindName(errors.New("other")))
}
