package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ledgerd/ledgerd/internal/router"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Journal persists notifications in a SQLite database.
type Journal struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenJournal opens (or creates) the journal at dbPath.
func OpenJournal(dbPath string, logger *logrus.Logger) (*Journal, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification journal: %w", err)
	}
	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	version, err := migrateJournal(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"path":           dbPath,
		"schema_version": version,
	}).Info("Notification journal initialized")
	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) Notify(ctx context.Context, n router.Notification) error {
	ts := n.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO notifications (id, timestamp, route, kind, outcome, failed, error_kind, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, ts.UnixNano(), n.Route, n.Kind, n.Outcome, n.Failed, n.ErrorKind, n.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to journal notification: %w", err)
	}
	return nil
}

// List returns up to limit notifications, newest first. Route filters by
// route name when non-empty.
func (j *Journal) List(ctx context.Context, route string, limit int) ([]router.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, route, kind, outcome, failed, error_kind, message FROM notifications`
	args := []any{}
	if route != "" {
		query += ` WHERE route = ?`
		args = append(args, route)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []router.Notification
	for rows.Next() {
		var (
			n         router.Notification
			ts        int64
			kind      sql.NullString
			outcome   sql.NullString
			errorKind sql.NullString
		)
		if err := rows.Scan(&n.ID, &ts, &n.Route, &kind, &outcome, &n.Failed, &errorKind, &n.Message); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		n.Time = time.Unix(0, ts).UTC()
		n.Kind = kind.String
		n.Outcome = outcome.String
		n.ErrorKind = errorKind.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
