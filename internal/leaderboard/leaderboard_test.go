package leaderboard

import (
	"context"
	"testing"

	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T, kv map[string]string) *ledger.Table {
	t.Helper()
	table, err := ledger.Open(engine.NewMemory(), "my_table", nil)
	require.NoError(t, err)
	_, err = table.Update(context.Background(), func(tx *ledger.Txn) error {
		for k, v := range kv {
			if err := tx.Set(k, []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return table
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()

	t.Run("OrderedByScoreDescending", func(t *testing.T) {
		table := newTable(t, map[string]string{
			"score:a": `{"name":"A","score":10}`,
			"score:b": `{"name":"B","score":30}`,
			"score:c": `{"name":"C","score":20}`,
		})
		got, err := Aggregate(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, []ScoreRecord{{"B", 30}, {"C", 20}, {"A", 10}}, got)
	})

	t.Run("PrefixFilter", func(t *testing.T) {
		table := newTable(t, map[string]string{
			"other:x":  `{"name":"X","score":99}`,
			"scorex":   `{"name":"Y","score":98}`,
			"score:ok": `{"name":"OK","score":1}`,
		})
		got, err := Aggregate(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, []ScoreRecord{{"OK", 1}}, got)
	})

	t.Run("DefaultsAndSkips", func(t *testing.T) {
		table := newTable(t, map[string]string{
			"score:1": `{"score":5}`,
			"score:2": `{"name":42,"score":"high"}`,
			"score:3": `not json`,
			"score:4": `{"name":"neg","score":-3}`,
			"score:5": `{"name":"frac","score":1.5}`,
			"score:6": `"just a string"`,
		})
		got, err := Aggregate(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, []ScoreRecord{
			{UnknownName, 5},
			{UnknownName, 0},
			{"neg", 0},
			{"frac", 0},
			{UnknownName, 0},
		}, got)
	})

	t.Run("StableTies", func(t *testing.T) {
		table := newTable(t, map[string]string{
			"score:a": `{"name":"first","score":7}`,
			"score:b": `{"name":"second","score":7}`,
			"score:c": `{"name":"top","score":8}`,
			"score:d": `{"name":"third","score":7}`,
		})
		got, err := Aggregate(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, []ScoreRecord{{"top", 8}, {"first", 7}, {"second", 7}, {"third", 7}}, got)
	})

	t.Run("MaxUint64", func(t *testing.T) {
		table := newTable(t, map[string]string{
			"score:big": `{"name":"big","score":18446744073709551615}`,
		})
		got, err := Aggregate(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, []ScoreRecord{{"big", 18446744073709551615}}, got)
	})

	t.Run("EmptyIsNotNil", func(t *testing.T) {
		got, err := Aggregate(ctx, newTable(t, nil))
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestDecode(t *testing.T) {
	rec, ok := Decode([]byte(`{"name":"Ann","score":3,"extra":true}`))
	require.True(t, ok)
	assert.Equal(t, ScoreRecord{"Ann", 3}, rec)

	_, ok = Decode([]byte(`{"name":`))
	assert.False(t, ok)

	rec, ok = Decode([]byte(`[1,2]`))
	require.True(t, ok)
	assert.Equal(t, ScoreRecord{UnknownName, 0}, rec)
}

func TestDecodeDuplicateFields(t *testing.T) {
	rec, ok := Decode([]byte(`{"name":"first","name":"second","score":1}`))
	require.True(t, ok)
	assert.Equal(t, ScoreRecord{"second", 1}, rec)

	rec, ok = Decode([]byte(`{"name":"Ann","score":7,"score":"oops"}`))
	require.True(t, ok)
	assert.Equal(t, ScoreRecord{"Ann", 0}, rec)
}
