// Package journal persists emitted signals to SQLite in an outbox pattern.
//
// A signal is written as "pending" before delivery is attempted and marked
// "delivered" or "failed" once the outcome is known, so a crash between
// acceptance and delivery leaves an inspectable record instead of a silent
// gap.
package journal

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"signalbot/internal/model"
)

// Delivery status values for the signals table.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Journal records every accepted signal and its delivery outcome.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite signal journal.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id           TEXT PRIMARY KEY,
		symbol       TEXT NOT NULL,
		direction    TEXT NOT NULL,
		scenario     TEXT NOT NULL,
		price        REAL NOT NULL,
		bar_time     DATETIME NOT NULL,
		created_at   DATETIME NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		delivered_at DATETIME,
		error        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol);
	CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);
	CREATE INDEX IF NOT EXISTS idx_signals_bar_time ON signals(bar_time);
	CREATE TABLE IF NOT EXISTS outcomes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id  TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		detail     TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_signal ON outcomes(signal_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened signal journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordPending inserts the signal as pending delivery.
func (j *Journal) RecordPending(sig *model.Signal) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO signals (id, symbol, direction, scenario, price, bar_time, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID,
		sig.Symbol,
		string(sig.Direction),
		string(sig.Scenario),
		sig.Price,
		sig.BarTime().Format(time.RFC3339),
		sig.CreatedAt.Format(time.RFC3339),
		StatusPending,
	)
	return err
}

// MarkDelivered records a confirmed delivery.
func (j *Journal) MarkDelivered(id string) error {
	return j.setStatus(id, StatusDelivered, "")
}

// MarkFailed records a delivery failure with its cause.
func (j *Journal) MarkFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return j.setStatus(id, StatusFailed, msg)
}

func (j *Journal) setStatus(id, status, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := j.db.Exec(
		`UPDATE signals SET status = ?, delivered_at = ?, error = ? WHERE id = ?`,
		status, now, errMsg, id,
	); err != nil {
		return err
	}
	// Every attempt outcome is appended, so retried signals keep their
	// full delivery history.
	_, err := j.db.Exec(
		`INSERT INTO outcomes (signal_id, outcome, detail, created_at) VALUES (?, ?, ?, ?)`,
		id, status, errMsg, now,
	)
	return err
}

// Outcome is one delivery attempt recorded for a signal.
type Outcome struct {
	SignalID  string `json:"signal_id"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Outcomes returns the delivery history of one signal, oldest first.
func (j *Journal) Outcomes(signalID string) ([]Outcome, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT signal_id, outcome, COALESCE(detail, ''), created_at
		 FROM outcomes WHERE signal_id = ? ORDER BY id ASC`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.SignalID, &o.Outcome, &o.Detail, &o.CreatedAt); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Record represents one row of the signals table.
type Record struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"`
	Scenario  string  `json:"scenario"`
	Price     float64 `json:"price"`
	BarTime   string  `json:"bar_time"`
	CreatedAt string  `json:"created_at"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
}

// Recent returns the last N journaled signals, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	return j.query(
		`SELECT id, symbol, direction, scenario, price, bar_time, created_at, status, COALESCE(error, '')
		 FROM signals ORDER BY created_at DESC LIMIT ?`, limit)
}

// Pending returns signals still awaiting a delivery outcome, oldest first.
// Non-empty output after startup means the process died mid-delivery.
func (j *Journal) Pending() ([]Record, error) {
	return j.query(
		`SELECT id, symbol, direction, scenario, price, bar_time, created_at, status, COALESCE(error, '')
		 FROM signals WHERE status = ? ORDER BY created_at ASC`, StatusPending)
}

func (j *Journal) query(stmt string, args ...any) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Direction, &r.Scenario,
			&r.Price, &r.BarTime, &r.CreatedAt, &r.Status, &r.Error); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for health checks.
func (j *Journal) DB() *sql.DB {
	return j.db
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
