// Package journal keeps a queryable ledger of round metrics and pipeline
// events in SQLite. The snapshot in statestore is the recovery point; the
// journal is the history the status API reads.
package journal

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmallek/distill/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	run_id             TEXT NOT NULL,
	round              INTEGER NOT NULL,
	raw_lines          INTEGER NOT NULL,
	clean_lines        INTEGER NOT NULL,
	rejected_lines     INTEGER NOT NULL,
	train_lines        INTEGER NOT NULL,
	val_lines          INTEGER NOT NULL,
	generate_ms        INTEGER NOT NULL,
	validate_ms        INTEGER NOT NULL,
	split_ms           INTEGER NOT NULL,
	train_ms           INTEGER NOT NULL,
	last_error         TEXT,
	training_triggered INTEGER NOT NULL,
	training_completed INTEGER NOT NULL,
	created_at         TEXT NOT NULL,
	PRIMARY KEY (run_id, round)
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	round      INTEGER NOT NULL,
	stage      TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message    TEXT,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Event is one journal entry. Events form a hash chain per database so
// tampering with history is detectable.
type Event struct {
	Round     int       `json:"round"`
	Stage     string    `json:"stage"`
	Type      string    `json:"event_type"`
	Message   string    `json:"message,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal wraps the SQLite ledger.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database and runs migrations.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordRound stores one completed round's metrics.
func (j *Journal) RecordRound(runID string, m models.RoundMetrics) error {
	var lastErr sql.NullString
	if m.LastError != nil {
		lastErr = sql.NullString{String: *m.LastError, Valid: true}
	}
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO rounds
		 (run_id, round, raw_lines, clean_lines, rejected_lines, train_lines, val_lines,
		  generate_ms, validate_ms, split_ms, train_ms, last_error,
		  training_triggered, training_completed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, m.Round, m.RawLines, m.CleanLines, m.RejectedLines, m.TrainLines, m.ValLines,
		m.GenerateMS, m.ValidateMS, m.SplitMS, m.TrainMS, lastErr,
		boolInt(m.TrainingTriggered), boolInt(m.TrainingCompleted),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// Rounds returns the recorded metrics for a run, ordered by round ascending.
func (j *Journal) Rounds(runID string) ([]models.RoundMetrics, error) {
	rows, err := j.db.Query(
		`SELECT round, raw_lines, clean_lines, rejected_lines, train_lines, val_lines,
		        generate_ms, validate_ms, split_ms, train_ms, last_error,
		        training_triggered, training_completed
		 FROM rounds WHERE run_id = ? ORDER BY round`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var out []models.RoundMetrics
	for rows.Next() {
		var m models.RoundMetrics
		var lastErr sql.NullString
		var triggered, completed int
		if err := rows.Scan(&m.Round, &m.RawLines, &m.CleanLines, &m.RejectedLines,
			&m.TrainLines, &m.ValLines, &m.GenerateMS, &m.ValidateMS, &m.SplitMS,
			&m.TrainMS, &lastErr, &triggered, &completed); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if lastErr.Valid {
			s := lastErr.String
			m.LastError = &s
		}
		m.TrainingTriggered = triggered != 0
		m.TrainingCompleted = completed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// Append writes one event, chained onto the previous event's hash.
func (j *Journal) Append(runID string, round int, stage, eventType, message string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRow(`SELECT hash FROM events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err == sql.ErrNoRows {
		prevHash = "genesis"
	} else if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	now := time.Now().UTC()
	hash := eventHash(prevHash, runID, round, stage, eventType, message, now)

	_, err = tx.Exec(
		`INSERT INTO events (run_id, round, stage, event_type, message, prev_hash, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, round, stage, eventType, message, prevHash, hash, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// Events returns the most recent events for a run, newest first.
func (j *Journal) Events(runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT round, stage, event_type, message, prev_hash, hash, created_at
		 FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var msg sql.NullString
		var created string
		if err := rows.Scan(&ev.Round, &ev.Stage, &ev.Type, &msg, &ev.PrevHash, &ev.Hash, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if msg.Valid {
			ev.Message = msg.String
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// VerifyChain walks the whole event chain and reports the first broken link.
func (j *Journal) VerifyChain() error {
	rows, err := j.db.Query(
		`SELECT run_id, round, stage, event_type, message, prev_hash, hash, created_at
		 FROM events ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	expectPrev := "genesis"
	for rows.Next() {
		var runID, stage, eventType, prevHash, hash, created string
		var msg sql.NullString
		var round int
		if err := rows.Scan(&runID, &round, &stage, &eventType, &msg, &prevHash, &hash, &created); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if prevHash != expectPrev {
			return fmt.Errorf("event chain broken at hash %s", hash)
		}
		ts, _ := time.Parse(time.RFC3339Nano, created)
		if eventHash(prevHash, runID, round, stage, eventType, msg.String, ts) != hash {
			return fmt.Errorf("event hash mismatch at %s", hash)
		}
		expectPrev = hash
	}
	return rows.Err()
}

func eventHash(prevHash, runID string, round int, stage, eventType, message string, ts time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s",
		prevHash, runID, round, stage, eventType, message, ts.Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
