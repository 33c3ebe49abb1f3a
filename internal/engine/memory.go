package engine

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool { return bytes.Compare(a.key, b.key) < 0 }

// Memory keeps everything in a copy-on-write B-tree. Scans work on a clone,
// so they never observe later commits.
type Memory struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[memItem]
	ready atomic.Bool
}

var _ Engine = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{tree: btree.NewG[memItem](16, memLess)}
	m.ready.Store(true)
	return m
}

func (m *Memory) Name() string { return BackendMemory }

func (m *Memory) IsReady() bool { return m.ready.Load() }

func (m *Memory) Get(ctx context.Context, key []byte) ([]byte, error) {
	if !m.IsReady() {
		return nil, ErrClosed
	}
	m.mu.Lock()
	item, ok := m.tree.Get(memItem{key: key})
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(item.value), nil
}

func (m *Memory) Begin(ctx context.Context) (Txn, error) {
	if !m.IsReady() {
		return nil, ErrClosed
	}
	return &memTxn{m: m, writes: btree.NewG[memItem](8, memLess)}, nil
}

func (m *Memory) Scan(ctx context.Context, prefix []byte) (Iterator, error) {
	if !m.IsReady() {
		return nil, ErrClosed
	}
	m.mu.Lock()
	snap := m.tree.Clone()
	m.mu.Unlock()
	return &memIterator{tree: snap, prefix: copyBytes(prefix)}, nil
}

func (m *Memory) Compact(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.ready.Store(false)
	return nil
}

// memTxn buffers writes and applies them to the shared tree on Commit.
type memTxn struct {
	m      *Memory
	writes *btree.BTreeG[memItem]
	done   bool
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if item, ok := t.writes.Get(memItem{key: key}); ok {
		return copyBytes(item.value), nil
	}
	return t.m.Get(context.Background(), key)
}

func (t *memTxn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	t.writes.ReplaceOrInsert(memItem{key: copyBytes(key), value: copyBytes(value)})
	return nil
}

func (t *memTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if !t.m.IsReady() {
		return ErrClosed
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.writes.Ascend(func(item memItem) bool {
		t.m.tree.ReplaceOrInsert(item)
		return true
	})
	return nil
}

func (t *memTxn) Discard() {
	t.done = true
}

type memIterator struct {
	tree    *btree.BTreeG[memItem]
	prefix  []byte
	cur     memItem
	started bool
	closed  bool
}

func (i *memIterator) Next() bool {
	if i.closed {
		return false
	}

	pivot := memItem{key: i.prefix}
	if i.started {
		pivot = i.cur
	}

	found := false
	i.tree.AscendGreaterOrEqual(pivot, func(item memItem) bool {
		if i.started && bytes.Equal(item.key, i.cur.key) {
			return true
		}
		if bytes.HasPrefix(item.key, i.prefix) {
			i.cur = item
			found = true
		}
		return false
	})
	i.started = true
	return found
}

func (i *memIterator) Key() []byte { return copyBytes(i.cur.key) }

func (i *memIterator) Value() ([]byte, error) { return copyBytes(i.cur.value), nil }

func (i *memIterator) Err() error { return nil }

func (i *memIterator) Close() error {
	i.closed = true
	i.tree = nil
	return nil
}
