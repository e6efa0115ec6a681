// Package audit provides the durable, append-only event store that is the
// authoritative record of processed envelope identifiers, and a
// hash-chained ledger stub for tamper-evident local sequencing.
//
// The reference backing is a write-ahead-logged SQLite file with a
// uniqueness constraint on envelope_id that applies only where the value
// is non-null; the constraint is enforced atomically at write time, never
// by a read-then-write check.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is one row of the audit_events table. EnvelopeID, SessionID,
// SenderID, ReceiverID, TemplateID are optional (empty string means NULL
// on the wire); uniqueness is enforced on EnvelopeID only when non-empty.
type Event struct {
	EventType    string
	TimestampUTC string
	EnvelopeID   string
	SessionID    string
	SenderID     string
	ReceiverID   string
	TemplateID   string
	AgentID      string
	Details      map[string]interface{}
}

// ReplayAttackError is returned by Emit when envelope_id is non-null and
// already present in the store.
type ReplayAttackError struct {
	EnvelopeID string
}

func (e *ReplayAttackError) Error() string {
	return fmt.Sprintf("audit: replay attack: envelope_id %q already recorded", e.EnvelopeID)
}
func (e *ReplayAttackError) Kind() string { return "ReplayAttack" }

// Sink optionally receives a copy of every emitted event for best-effort
// live fan-out (see package broker). A nil Sink is a no-op.
type Sink interface {
	Publish(Event)
}

// Log is a SQLite-backed append-only audit store.
type Log struct {
	path string
	sink Sink
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	envelope_id TEXT,
	session_id TEXT,
	sender_id TEXT,
	receiver_id TEXT,
	template_id TEXT,
	agent_id TEXT,
	timestamp_utc TEXT NOT NULL,
	details_json TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_envelope_id
	ON audit_events (envelope_id) WHERE envelope_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sender_event_ts
	ON audit_events (sender_id, event_type, timestamp_utc);
`

// Open opens (creating if needed) the audit store at path and ensures its
// schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Log{path: path}, nil
}

// SetSink installs a best-effort live fan-out sink. A failing or slow sink
// must never block or fail Emit.
func (l *Log) SetSink(s Sink) { l.sink = s }

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Emit atomically appends event. If event.EnvelopeID is non-empty and
// already present, it fails with *ReplayAttackError; the insert's own
// unique-index violation is the authoritative replay guard, not a
// preceding read.
func (l *Log) Emit(event Event) error {
	db, err := sql.Open("sqlite3", l.path+"?_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("audit: emit: open: %w", err)
	}
	defer db.Close()

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("audit: emit: marshal details: %w", err)
	}
	ts := event.TimestampUTC
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}

	_, err = db.Exec(
		`INSERT INTO audit_events
			(event_type, envelope_id, session_id, sender_id, receiver_id, template_id, agent_id, timestamp_utc, details_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventType, nullable(event.EnvelopeID), nullable(event.SessionID),
		nullable(event.SenderID), nullable(event.ReceiverID), nullable(event.TemplateID),
		nullable(event.AgentID), ts, string(detailsJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ReplayAttackError{EnvelopeID: event.EnvelopeID}
		}
		return fmt.Errorf("audit: emit: insert: %w", err)
	}

	if l.sink != nil {
		l.sink.Publish(event)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// HasEnvelopeID is a fast, advisory (never authoritative) read.
func (l *Log) HasEnvelopeID(id string) (bool, error) {
	db, err := sql.Open("sqlite3", l.path)
	if err != nil {
		return false, fmt.Errorf("audit: has envelope id: open: %w", err)
	}
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT COUNT(1) FROM audit_events WHERE envelope_id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("audit: has envelope id: query: %w", err)
	}
	return count > 0, nil
}

// QuerySessionCount counts "validated" events for senderID within the
// trailing windowHours ending now.
func (l *Log) QuerySessionCount(senderID string, windowHours float64) (int, error) {
	db, err := sql.Open("sqlite3", l.path)
	if err != nil {
		return 0, fmt.Errorf("audit: query session count: open: %w", err)
	}
	defer db.Close()

	cutoff := time.Now().UTC().Add(-time.Duration(windowHours * float64(time.Hour))).Format(time.RFC3339Nano)
	var count int
	err = db.QueryRow(
		`SELECT COUNT(1) FROM audit_events
		 WHERE event_type = 'validated' AND sender_id = ? AND timestamp_utc >= ?`,
		senderID, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: query session count: query: %w", err)
	}
	return count, nil
}

// RecentEvents returns up to limit events in reverse-chronological order.
func (l *Log) RecentEvents(limit int) ([]Event, error) {
	db, err := sql.Open("sqlite3", l.path)
	if err != nil {
		return nil, fmt.Errorf("audit: recent events: open: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(
		`SELECT event_type, COALESCE(envelope_id,''), COALESCE(session_id,''),
			COALESCE(sender_id,''), COALESCE(receiver_id,''), COALESCE(template_id,''),
			COALESCE(agent_id,''), timestamp_utc, details_json
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent events: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var detailsJSON string
		if err := rows.Scan(&e.EventType, &e.EnvelopeID, &e.SessionID, &e.SenderID,
			&e.ReceiverID, &e.TemplateID, &e.AgentID, &e.TimestampUTC, &detailsJSON); err != nil {
			return nil, fmt.Errorf("audit: recent events: scan: %w", err)
		}
		_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		out = append(out, e)
	}
	return out, rows.Err()
}
