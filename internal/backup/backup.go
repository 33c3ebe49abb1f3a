// Package backup streams a ledger table to and from JSON lines.
package backup

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ledgerd/ledgerd/internal/ledger"
)

// maxLineBytes bounds a single exported record.
const maxLineBytes = 64 << 20

var ErrInvalidRecord = errors.New("invalid backup record")

// Record is one line of a backup stream. Value is base64 so any bytes
// survive the round trip.
type Record struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Export writes every readable entry of table to w and returns how many were
// written. Entries come from a single cursor snapshot.
func Export(ctx context.Context, table *ledger.Table, w io.Writer) (int, error) {
	cursor, err := table.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open cursor: %w", err)
	}
	defer cursor.Close()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	count := 0
	for entry, ok := cursor.Next(); ok; entry, ok = cursor.Next() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		rec := Record{Key: entry.Key, Value: base64.StdEncoding.EncodeToString(entry.Value)}
		if err := enc.Encode(rec); err != nil {
			return count, fmt.Errorf("failed to write record %q: %w", entry.Key, err)
		}
		count++
	}
	if err := cursor.Err(); err != nil {
		return count, fmt.Errorf("failed to read table: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("failed to flush backup: %w", err)
	}
	return count, nil
}

// Import loads a stream produced by Export into table within one
// transaction. Nothing is written unless every record is valid.
func Import(ctx context.Context, table *ledger.Table, r io.Reader) (int, error) {
	count := 0
	_, err := table.Update(ctx, func(tx *ledger.Txn) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			rec, value, err := decodeRecord(raw)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			if err := tx.Set(rec.Key, value); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			count++
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read backup: %w", err)
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func decodeRecord(raw []byte) (Record, []byte, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Key == "" || !utf8.ValidString(rec.Key) {
		return rec, nil, fmt.Errorf("%w: missing or invalid key", ErrInvalidRecord)
	}
	value, err := base64.StdEncoding.DecodeString(rec.Value)
	if err != nil {
		return rec, nil, fmt.Errorf("%w: value of %q is not base64: %v", ErrInvalidRecord, rec.Key, err)
	}
	return rec, value, nil
}
