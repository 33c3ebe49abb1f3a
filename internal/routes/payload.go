package routes

import (
	"bytes"
	"encoding/json"

	"github.com/ledgerd/ledgerd/internal/ledger"
)

// object decodes payload as a JSON object. Anything else, including
// trailing data after the object, is a parse error.
func object(payload string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	if err := dec.Decode(&fields); err != nil || fields == nil || dec.More() {
		return nil, ledger.NewError(ledger.ErrPayloadParse, err, "failed to parse '%s' as json", payload)
	}
	return fields, nil
}

// stringField returns the named field of a decoded payload, which must be
// present and a JSON string.
func stringField(fields map[string]json.RawMessage, name, payload string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", ledger.NewError(ledger.ErrPayloadParse, nil, "missing field '%s' in '%s'", name, payload)
	}
	var s string
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", ledger.NewError(ledger.ErrPayloadParse, nil, "field '%s' must be a string in '%s'", name, payload)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", ledger.NewError(ledger.ErrPayloadParse, err, "field '%s' must be a string in '%s'", name, payload)
	}
	return s, nil
}

type loadRequest struct {
	Key string
}

func decodeLoad(payload string) (loadRequest, error) {
	fields, err := object(payload)
	if err != nil {
		return loadRequest{}, err
	}
	key, err := stringField(fields, "key", payload)
	if err != nil {
		return loadRequest{}, err
	}
	return loadRequest{Key: key}, nil
}

type insertRequest struct {
	Key   string
	Value string
}

func decodeInsert(payload string) (insertRequest, error) {
	fields, err := object(payload)
	if err != nil {
		return insertRequest{}, err
	}
	key, err := stringField(fields, "key", payload)
	if err != nil {
		return insertRequest{}, err
	}
	value, err := stringField(fields, "value", payload)
	if err != nil {
		return insertRequest{}, err
	}
	return insertRequest{Key: key, Value: value}, nil
}
