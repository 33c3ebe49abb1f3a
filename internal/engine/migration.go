package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const badgerKeyRegistry = "KEYREGISTRY" // present only in BadgerDB directories

// migrationBatchSize is the number of keys copied per destination transaction.
var migrationBatchSize = 10_000

// HasBadgerData reports whether {dataDir}/ledger holds a BadgerDB database.
func HasBadgerData(dataDir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dataDir, LedgerDir, badgerKeyRegistry))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ledger directory: %w", err)
	}
	return true, nil
}

// MigrateFromBadgerIfNeeded converts a BadgerDB ledger at {dataDir}/ledger to
// Pebble and returns the number of keys copied. It is a no-op when the
// directory is absent or already holds Pebble data.
//
// The Pebble copy is built in a staging data dir and swapped in only once
// every key made it across, so a failed run leaves the Badger ledger as it
// was. The replaced directory is kept as ledger_badger_backup_{timestamp}.
func MigrateFromBadgerIfNeeded(dataDir string, logger *logrus.Logger) (int64, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	present, err := HasBadgerData(dataDir)
	if err != nil || !present {
		return 0, err
	}

	logger.WithField("data_dir", dataDir).Info("Badger ledger found, converting to Pebble")

	stagingDir := filepath.Join(dataDir, ".migrate_pebble")
	if err := os.RemoveAll(stagingDir); err != nil {
		return 0, fmt.Errorf("failed to clear migration staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir) //nolint:errcheck

	copied, err := copyLedger(context.Background(), dataDir, stagingDir, logger)
	if err != nil {
		return copied, fmt.Errorf("migration stopped after %d keys: %w", copied, err)
	}

	ledgerDir := filepath.Join(dataDir, LedgerDir)
	backupDir := filepath.Join(dataDir, fmt.Sprintf("%s_badger_backup_%s", LedgerDir, time.Now().Format("20060102_150405")))
	if _, err := os.Stat(backupDir); err == nil {
		backupDir += "_2"
	}

	if err := os.Rename(ledgerDir, backupDir); err != nil {
		return copied, fmt.Errorf("failed to move badger ledger aside: %w", err)
	}
	if err := os.Rename(filepath.Join(stagingDir, LedgerDir), ledgerDir); err != nil {
		_ = os.Rename(backupDir, ledgerDir)
		return copied, fmt.Errorf("failed to install pebble ledger: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"keys":       copied,
		"backup_dir": backupDir,
	}).Info("Ledger converted to Pebble")
	return copied, nil
}

// copyLedger streams every key of the Badger engine under srcDataDir into a
// fresh Pebble engine under dstDataDir.
func copyLedger(ctx context.Context, srcDataDir, dstDataDir string, logger *logrus.Logger) (copied int64, err error) {
	src, err := NewBadger(Options{DataDir: srcDataDir, Logger: logger})
	if err != nil {
		return 0, err
	}
	defer src.Close() //nolint:errcheck

	dst, err := NewPebble(Options{DataDir: dstDataDir, SyncWrites: true, Logger: logger})
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close pebble ledger: %w", cerr)
		}
	}()

	it, err := src.Scan(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer it.Close() //nolint:errcheck

	var txn Txn
	pending := 0
	defer func() {
		if txn != nil {
			txn.Discard()
		}
	}()
	flush := func() error {
		if txn == nil {
			return nil
		}
		t := txn
		txn, pending = nil, 0
		defer t.Discard()
		if err := t.Commit(); err != nil {
			return fmt.Errorf("failed to commit batch ending at key %d: %w", copied, err)
		}
		return nil
	}

	for it.Next() {
		if txn == nil {
			if txn, err = dst.Begin(ctx); err != nil {
				return copied, err
			}
		}
		key := it.Key()
		value, err := it.Value()
		if err != nil {
			return copied, fmt.Errorf("failed to read badger value for key %q: %w", key, err)
		}
		if err := txn.Set(key, value); err != nil {
			return copied, fmt.Errorf("failed to stage key %q: %w", key, err)
		}
		copied++
		pending++

		if pending == migrationBatchSize {
			if err := flush(); err != nil {
				return copied, err
			}
			logger.WithField("keys", copied).Info("Migration progress")
		}
	}
	if err := it.Err(); err != nil {
		return copied, fmt.Errorf("badger scan failed: %w", err)
	}
	return copied, flush()
}
