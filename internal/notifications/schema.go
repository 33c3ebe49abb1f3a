package notifications

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// journalMigration is one step of the journal schema. Versions are applied in
// order, each inside its own transaction.
type journalMigration struct {
	version     int
	description string
	up          func(*sql.Tx) error
}

var journalMigrations = []journalMigration{
	{
		version:     1,
		description: "Create notifications table",
		up: execAll(`
			CREATE TABLE IF NOT EXISTS notifications (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				timestamp INTEGER NOT NULL,
				route TEXT NOT NULL,
				kind TEXT,
				outcome TEXT,
				failed INTEGER NOT NULL,
				error_kind TEXT,
				message TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_route ON notifications(route)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications(timestamp DESC)`,
		),
	},
	{
		version:     2,
		description: "Index failures by error kind",
		up: execAll(
			`CREATE INDEX IF NOT EXISTS idx_notifications_failures ON notifications(failed, error_kind)`,
		),
	},
}

func execAll(statements ...string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// migrateJournal brings db to the latest journal schema and returns the
// resulting version.
func migrateJournal(db *sql.DB, logger *logrus.Logger) (int, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return 0, err
	}
	target := journalMigrations[len(journalMigrations)-1].version
	if current > target {
		return current, fmt.Errorf("journal schema version %d is newer than supported version %d", current, target)
	}

	for _, m := range journalMigrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return current, fmt.Errorf("journal migration %d (%s) failed: %w", m.version, m.description, err)
		}
		current = m.version
		logger.WithFields(logrus.Fields{
			"version":     m.version,
			"description": m.description,
		}).Debug("Applied journal migration")
	}
	return current, nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read journal schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, m journalMigration) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = m.up(tx); err != nil {
		return err
	}
	if _, err = tx.Exec(
		`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
		m.version, m.description, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
