// Package ledger is the durable local state of the agent: the idempotency
// ledger guarding at-most-once execution, the venue client-order-id receipt
// cache, and the write-ahead receipt journal drained to the bus. All three
// live in one embedded sqlite database so claims and journal appends share
// transactional semantics across restarts.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Idempotency states.
const (
	StateStarted = "STARTED"
	StateDone    = "DONE"
)

// Ledger provides idempotency claims, order receipt caching and the
// receipt journal.
type Ledger struct {
	db *sql.DB
}

// JournalEntry is one receipt waiting to be delivered to the bus.
type JournalEntry struct {
	ID              int64
	AgentID         string
	CommandID       string
	Status          string
	ReceiptJSON     string
	CreatedUnixMs   int64
	SentUnixMs      sql.NullInt64
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps claim check-and-insert serialized.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS idempotency (
			agent_id   TEXT NOT NULL,
			command_id TEXT NOT NULL,
			state      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (agent_id, command_id)
		)`,
		`CREATE TABLE IF NOT EXISTS venue_orders (
			client_id    TEXT PRIMARY KEY,
			venue        TEXT NOT NULL,
			receipt_json TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS receipt_journal (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id            TEXT NOT NULL,
			command_id          TEXT NOT NULL,
			status              TEXT NOT NULL,
			receipt_json        TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			sent_unix_millis    INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_unsent
			ON receipt_journal(sent_unix_millis)
			WHERE sent_unix_millis IS NULL`,
	}
	for _, q := range queries {
		if _, err := l.db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Claim atomically records (agent, command) as STARTED. The first caller
// gets (true, "STARTED"); every later caller gets (false, existingState)
// and must not execute. Once STARTED exists we treat the command as
// already-executed even if the process crashed mid-execution: that can
// rarely strand a command, but it never double-trades.
func (l *Ledger) Claim(ctx context.Context, agentID, commandID string) (bool, string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx,
		"SELECT state FROM idempotency WHERE agent_id = ? AND command_id = ?",
		agentID, commandID,
	).Scan(&state)
	if err == nil {
		return false, state, nil
	}
	if err != sql.ErrNoRows {
		return false, "", fmt.Errorf("failed to check existing claim: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency(agent_id, command_id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		agentID, commandID, StateStarted, now, now,
	)
	if err != nil {
		return false, "", fmt.Errorf("failed to insert claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("failed to commit claim: %w", err)
	}
	return true, StateStarted, nil
}

// MarkDone transitions a STARTED claim to DONE.
func (l *Ledger) MarkDone(ctx context.Context, agentID, commandID string) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE idempotency SET state = ?, updated_at = ? WHERE agent_id = ? AND command_id = ?",
		StateDone, time.Now().Unix(), agentID, commandID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark command done: %w", err)
	}
	return nil
}

// Seen returns the recorded state for (agent, command), or "" when absent.
func (l *Ledger) Seen(ctx context.Context, agentID, commandID string) (string, error) {
	var state string
	err := l.db.QueryRowContext(ctx,
		"SELECT state FROM idempotency WHERE agent_id = ? AND command_id = ?",
		agentID, commandID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query claim state: %w", err)
	}
	return state, nil
}

// RememberOrder stores the receipt produced for a venue client order id so a
// retried submission returns it instead of resubmitting to the venue.
func (l *Ledger) RememberOrder(ctx context.Context, clientID, venue, receiptJSON string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO venue_orders(client_id, venue, receipt_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		clientID, venue, receiptJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to remember order: %w", err)
	}
	return nil
}

// RecallOrder returns the stored receipt JSON for clientID, or "" when the
// order was never submitted.
func (l *Ledger) RecallOrder(ctx context.Context, clientID string) (string, error) {
	var receiptJSON string
	err := l.db.QueryRowContext(ctx,
		"SELECT receipt_json FROM venue_orders WHERE client_id = ?",
		clientID,
	).Scan(&receiptJSON)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to recall order: %w", err)
	}
	return receiptJSON, nil
}

// AppendReceipt appends a receipt to the write-ahead journal. Local
// durability happens before any bus send; a bus outage never loses a
// receipt.
func (l *Ledger) AppendReceipt(ctx context.Context, agentID, commandID, status, receiptJSON string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO receipt_journal(agent_id, command_id, status, receipt_json, created_unix_millis, sent_unix_millis)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		agentID, commandID, status, receiptJSON, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append receipt: %w", err)
	}
	return nil
}

// ListUnsent returns journal entries not yet delivered, oldest first.
func (l *Ledger) ListUnsent(ctx context.Context, limit int) ([]JournalEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, agent_id, command_id, status, receipt_json, created_unix_millis, sent_unix_millis
		 FROM receipt_journal
		 WHERE sent_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent receipts: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.CommandID, &e.Status, &e.ReceiptJSON, &e.CreatedUnixMs, &e.SentUnixMs); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSent marks a journal entry as delivered.
func (l *Ledger) MarkSent(ctx context.Context, id int64, nowMillis int64) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE receipt_journal SET sent_unix_millis = ? WHERE id = ?",
		nowMillis, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark receipt sent: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
