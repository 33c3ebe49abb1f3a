// Package routes holds the ledger operations exposed through the router.
package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/ledgerd/ledgerd/internal/leaderboard"
	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/ledgerd/ledgerd/internal/router"
)

// Route names.
const (
	LoadFromLedger = "load-from-ledger"
	FetchAllScores = "fetch-all-scores"
	InsertInLedger = "insert-in-ledger"
)

// Register adds the ledger routes to b.
func Register(b *router.Builder) error {
	for _, r := range []router.Route{
		{
			Name:        LoadFromLedger,
			Description: `Read one key. Payload {"key": "..."}.`,
			Query:       Load,
		},
		{
			Name:        FetchAllScores,
			Description: "Rank every score:* record by score, highest first. Payload ignored.",
			Query:       FetchScores,
		},
		{
			Name:        InsertInLedger,
			Description: `Upsert one key. Payload {"key": "...", "value": "..."}.`,
			Transaction: Insert,
		},
	} {
		if err := b.Register(r); err != nil {
			return err
		}
	}
	return nil
}

type loadResponse struct {
	Value string `json:"value"`
}

// Load answers {"key": k} with {"value": v}. A missing key is reported as a
// not-found failure, never as an empty value.
func Load(ctx context.Context, table *ledger.Table, payload string) (string, error) {
	req, err := decodeLoad(payload)
	if err != nil {
		return "", err
	}

	value, err := table.Get(ctx, req.Key)
	if err != nil {
		return "", ledger.NewError(ledger.ErrStorageUnavailable, err, "failed to read from ledger: '%s'", payload)
	}
	if len(value) == 0 {
		return "", ledger.NewError(ledger.ErrKeyNotFound, nil, "the key '%s' was not found in table %s", req.Key, table.Name())
	}
	if !utf8.Valid(value) {
		return "", ledger.NewError(ledger.ErrEncoding, nil, "failed to decode value for key '%s' as utf-8", req.Key)
	}
	return encode(loadResponse{Value: string(value)})
}

type insertResponse struct {
	Inserted bool   `json:"inserted"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// Insert upserts {"key": k, "value": v} and echoes it back.
func Insert(ctx context.Context, tx *ledger.Txn, payload string) (string, error) {
	req, err := decodeInsert(payload)
	if err != nil {
		return "", err
	}

	if err := tx.Set(req.Key, []byte(req.Value)); err != nil {
		return "", ledger.NewError(ledger.ErrStorageUnavailable, err, "failed to write to ledger: '%v'", err)
	}
	return encode(insertResponse{Inserted: true, Key: req.Key, Value: req.Value})
}

type scoresResponse struct {
	Success bool                      `json:"success"`
	Value   []leaderboard.ScoreRecord `json:"value"`
}

// FetchScores returns the leaderboard. The payload is ignored.
func FetchScores(ctx context.Context, table *ledger.Table, _ string) (string, error) {
	records, err := leaderboard.Aggregate(ctx, table)
	if err != nil {
		return "", ledger.NewError(ledger.ErrStorageUnavailable, err, "failed to get cursor from ledger")
	}
	return encode(scoresResponse{Success: true, Value: records})
}

func encode(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", ledger.NewError(ledger.ErrEncoding, err, "failed to encode response: %v", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
