package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor(t *testing.T) {
	ctx := context.Background()

	t.Run("OrderedAndExhausts", func(t *testing.T) {
		table, _ := setupTable(t)
		put(t, table, "b", "2", "a", "1", "c", "3")

		c, err := table.Cursor(ctx)
		require.NoError(t, err)

		var keys []string
		for e, ok := c.Next(); ok; e, ok = c.Next() {
			keys = append(keys, e.Key)
		}
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		_, ok := c.Next()
		assert.False(t, ok, "cursor is not restartable")
		assert.NoError(t, c.Err())
		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())
	})

	t.Run("EmptyTable", func(t *testing.T) {
		table, _ := setupTable(t)
		c, err := table.Cursor(ctx)
		require.NoError(t, err)
		_, ok := c.Next()
		assert.False(t, ok)
	})

	t.Run("SnapshotIgnoresLaterCommits", func(t *testing.T) {
		table, _ := setupTable(t)
		put(t, table, "a", "1")

		c, err := table.Cursor(ctx)
		require.NoError(t, err)
		defer c.Close()

		put(t, table, "a", "changed", "b", "2")

		e, ok := c.Next()
		require.True(t, ok)
		assert.Equal(t, Entry{Key: "a", Value: []byte("1")}, e)
		_, ok = c.Next()
		assert.False(t, ok)
	})

	t.Run("SkipsMalformedEntries", func(t *testing.T) {
		table, eng := setupTable(t)
		put(t, table, "a", "1", "bad\xff", "x", "broken", "y", "z", "26")
		eng.badValue = "broken"

		got := dump(t, table)
		assert.Equal(t, map[string]string{"a": "1", "z": "26"}, got)

		c, err := table.Cursor(ctx)
		require.NoError(t, err)
		for _, ok := c.Next(); ok; _, ok = c.Next() {
		}
		assert.Equal(t, 2, c.Skipped())
	})

	t.Run("ScanFault", func(t *testing.T) {
		table, eng := setupTable(t)
		eng.failScan = true
		_, err := table.Cursor(ctx)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	})

	t.Run("DoesNotSeeOtherTables", func(t *testing.T) {
		table, eng := setupTable(t)
		other, err := Open(eng, "my_table_2", testLogger())
		require.NoError(t, err)
		_, err = other.Update(ctx, func(tx *Txn) error { return tx.Set("x", []byte("y")) })
		require.NoError(t, err)
		put(t, table, "a", "1")

		assert.Equal(t, map[string]string{"a": "1"}, dump(t, table))
	})
}
