// Package contacts tracks which conversational senders the agent has
// recently heard from, so periodic faculties (autonomous initiation,
// discovery delivery) know who is actually around to receive them.
package contacts

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Directory is a SQLite-backed last-seen ledger for conversational
// senders. Safe for concurrent use; SQLite serializes writes.
type Directory struct {
	db *sql.DB
}

// NewDirectory opens (creating if necessary) a sender directory at dbPath.
func NewDirectory(dbPath string) (*Directory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open contacts database: %w", err)
	}

	d := &Directory{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate contacts schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS senders (
			sender         TEXT PRIMARY KEY,
			first_seen     TEXT NOT NULL,
			last_seen      TEXT NOT NULL,
			message_count  INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// RecordInteraction marks sender as seen at now, creating the entry on
// first contact and bumping the message count otherwise.
func (d *Directory) RecordInteraction(sender string, now time.Time) error {
	if sender == "" {
		return nil
	}
	ts := now.UTC().Format(time.RFC3339)
	_, err := d.db.Exec(`
		INSERT INTO senders (sender, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(sender) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`, sender, ts, ts)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

// Active returns every sender last heard from within the given window
// of now, ordered most-recent first.
func (d *Directory) Active(now time.Time, within time.Duration) ([]string, error) {
	cutoff := now.Add(-within).UTC().Format(time.RFC3339)
	rows, err := d.db.Query(
		`SELECT sender FROM senders WHERE last_seen >= ? ORDER BY last_seen DESC`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query active senders: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
}
