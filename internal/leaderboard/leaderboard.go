// Package leaderboard ranks the score records stored in a ledger table.
package leaderboard

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/tidwall/gjson"
)

// KeyPrefix marks the keys that hold score records.
const KeyPrefix = "score:"

// UnknownName is used when a record has no usable name.
const UnknownName = "???"

// ScoreRecord is one leaderboard row.
type ScoreRecord struct {
	Name  string `json:"name"`
	Score uint64 `json:"score"`
}

// Scanner opens a cursor over a table. *ledger.Table satisfies it.
type Scanner interface {
	Cursor(ctx context.Context) (*ledger.Cursor, error)
}

// Aggregate scans table for score records and returns them ordered by score,
// highest first. Records with equal scores keep scan order. Values that are
// not JSON are skipped; a missing or mistyped name becomes "???" and a
// missing or mistyped score becomes 0.
func Aggregate(ctx context.Context, table Scanner) ([]ScoreRecord, error) {
	c, err := table.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	records := []ScoreRecord{}
	for e, ok := c.Next(); ok; e, ok = c.Next() {
		if !strings.HasPrefix(e.Key, KeyPrefix) {
			continue
		}
		if rec, ok := Decode(e.Value); ok {
			records = append(records, rec)
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score > records[j].Score
	})
	return records, nil
}

// Decode parses one stored score value. It reports false when the value is
// not valid JSON. When a field is repeated the last occurrence wins.
func Decode(value []byte) (ScoreRecord, bool) {
	if !gjson.ValidBytes(value) {
		return ScoreRecord{}, false
	}

	rec := ScoreRecord{Name: UnknownName}
	doc := gjson.ParseBytes(value)
	if !doc.IsObject() {
		return rec, true
	}
	doc.ForEach(func(key, field gjson.Result) bool {
		switch key.Str {
		case "name":
			rec.Name = UnknownName
			if field.Type == gjson.String {
				rec.Name = field.Str
			}
		case "score":
			rec.Score = 0
			if field.Type == gjson.Number {
				if n, err := strconv.ParseUint(field.Raw, 10, 64); err == nil {
					rec.Score = n
				}
			}
		}
		return true
	})
	return rec, true
}
