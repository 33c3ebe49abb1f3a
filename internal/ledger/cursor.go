package ledger

import (
	"unicode/utf8"

	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/sirupsen/logrus"
)

// Entry is one key/value pair yielded by a Cursor.
type Entry struct {
	Key   string
	Value []byte
}

// Cursor is a one-pass scan over a table snapshot.
type Cursor struct {
	table   *Table
	it      engine.Iterator
	skipped int
	done    bool
	err     error
}

// Next returns the next entry, or false once the scan is exhausted. Entries
// whose key is not valid UTF-8 or whose value cannot be read are skipped.
func (c *Cursor) Next() (Entry, bool) {
	for !c.done && c.it.Next() {
		raw := c.it.Key()
		key := string(raw[len(c.table.prefix):])
		if !utf8.ValidString(key) {
			c.skip(key, "key is not valid utf-8", nil)
			continue
		}

		value, err := c.it.Value()
		if err != nil {
			c.skip(key, "value could not be read", err)
			continue
		}
		return Entry{Key: key, Value: value}, true
	}

	c.finish()
	return Entry{}, false
}

func (c *Cursor) skip(key, reason string, err error) {
	c.skipped++
	entry := c.table.logger.WithFields(logrus.Fields{
		"table": c.table.name,
		"key":   key,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Cursor skipped entry: " + reason)
}

func (c *Cursor) finish() {
	if c.done {
		return
	}
	c.done = true
	if err := c.it.Err(); err != nil {
		c.err = storageError(err, "cursor on table %s failed: %v", c.table.name, err)
	}
	if err := c.it.Close(); err != nil && c.err == nil {
		c.err = storageError(err, "failed to close cursor on table %s: %v", c.table.name, err)
	}
}

// Skipped returns how many malformed entries were passed over so far.
func (c *Cursor) Skipped() int { return c.skipped }

// Err reports an engine failure that ended the scan early.
func (c *Cursor) Err() error { return c.err }

// Close releases the snapshot. It is safe to call more than once.
func (c *Cursor) Close() error {
	c.finish()
	return c.err
}
