// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// =============================================================================
// JOURNAL
// =============================================================================

// Journal persists threat events in SQLite so a risk picture survives
// restarts and an attacker cannot erase history by killing the process.
// Two eviction policies run on every append: events older than the
// retention window go, and the total count stays under a cap.
type Journal struct {
	db        *sql.DB
	retention time.Duration
	maxEvents int
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS threat_events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	confidence INTEGER NOT NULL,
	session_id TEXT,
	actionable INTEGER NOT NULL DEFAULT 0,
	details    TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threat_events_created ON threat_events(created_at);
CREATE INDEX IF NOT EXISTS idx_threat_events_severity ON threat_events(severity);
`

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string, retention time.Duration, maxEvents int) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open threat journal: %w", err)
	}
	// SQLite serializes writes; more connections just queue on the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create threat journal schema: %w", err)
	}
	return &Journal{db: db, retention: retention, maxEvents: maxEvents}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records an event and applies both eviction policies.
func (j *Journal) Append(e Event) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	actionable := 0
	if e.Actionable {
		actionable = 1
	}
	_, err := j.db.Exec(
		`INSERT INTO threat_events (id, type, severity, confidence, session_id, actionable, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Severity), e.Confidence, e.SessionID, actionable, string(details), e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append threat event: %w", err)
	}
	return j.evict()
}

// evict drops events past the retention window, then trims the oldest
// events beyond the count cap.
func (j *Journal) evict() error {
	cutoff := time.Now().Add(-j.retention).UnixMilli()
	if _, err := j.db.Exec(`DELETE FROM threat_events WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to evict expired events: %w", err)
	}

	_, err := j.db.Exec(
		`DELETE FROM threat_events WHERE id IN (
			SELECT id FROM threat_events ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.maxEvents,
	)
	if err != nil {
		return fmt.Errorf("failed to trim threat journal: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, type, severity, confidence, session_id, actionable, details, created_at
		 FROM threat_events ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query threat events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			typ, sev   string
			actionable int
			details    string
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &typ, &sev, &e.Confidence, &e.SessionID, &actionable, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan threat event: %w", err)
		}
		e.Type = Type(typ)
		e.Severity = Severity(sev)
		e.Actionable = actionable != 0
		e.Timestamp = time.UnixMilli(createdAt)
		if details != "" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountBySeverity tallies events since a point in time.
func (j *Journal) CountBySeverity(since time.Time) (map[Severity]int, error) {
	rows, err := j.db.Query(
		`SELECT severity, COUNT(*) FROM threat_events WHERE created_at >= ? GROUP BY severity`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count threat events: %w", err)
	}
	defer rows.Close()

	counts := make(map[Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		counts[Severity(sev)] = n
	}
	return counts, rows.Err()
}

// CountSince reports how many events of at least minSeverity arrived in the
// window. Used for burst escalation.
func (j *Journal) CountSince(since time.Time, minSeverity Severity) (int, error) {
	counts, err := j.CountBySeverity(since)
	if err != nil {
		return 0, err
	}
	total := 0
	for sev, n := range counts {
		if sev.AtLeast(minSeverity) {
			total += n
		}
	}
	return total, nil
}
