// Package journal persists sweep outcomes so operators can audit what the
// automated passes did after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sweep kinds.
const (
	KindTicketSweep = "ticket_sweep"
	KindWorklist    = "worklist"
)

// Sweep is one recorded run of a pipeline.
type Sweep struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Processed  int        `json:"processed"`
	Closed     int        `json:"closed"`
	Assigned   int        `json:"assigned"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
}

// Outcome is one item-level result within a sweep.
type Outcome struct {
	ID         int64     `json:"id"`
	SweepID    int64     `json:"sweep_id"`
	ItemID     string    `json:"item_id"`
	Subscriber string    `json:"subscriber"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Actions recorded per item.
const (
	ActionClosed      = "closed"
	ActionAssigned    = "assigned"
	ActionVerified    = "verified"
	ActionProvisioned = "provisioned"
	ActionSkipped     = "skipped"
	ActionFailed      = "failed"
)

// Store is the SQLite-backed journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	// WAL lets the API read while a sweep writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sweeps (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			processed   INTEGER NOT NULL DEFAULT 0,
			closed      INTEGER NOT NULL DEFAULT 0,
			assigned    INTEGER NOT NULL DEFAULT 0,
			skipped     INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS outcomes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sweep_id   INTEGER NOT NULL REFERENCES sweeps(id),
			item_id    TEXT NOT NULL,
			subscriber TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			subject    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_outcomes_sweep ON outcomes(sweep_id);
		CREATE INDEX IF NOT EXISTS idx_sweeps_kind ON sweeps(kind);
	`)
	if err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Begin records the start of a sweep and returns its id.
func (s *Store) Begin(kind string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO sweeps (kind, started_at) VALUES (?, ?)`,
		kind, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("journal: begin: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: begin: %w", err)
	}
	return id, nil
}

// Record appends one item outcome to a sweep.
func (s *Store) Record(sweepID int64, o Outcome) error {
	_, err := s.db.Exec(`
		INSERT INTO outcomes (sweep_id, item_id, subscriber, action, reason, subject, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sweepID, o.ItemID, o.Subscriber, o.Action, o.Reason, o.Subject,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Totals are the per-sweep counters written at Finish.
type Totals struct {
	Processed int
	Closed    int
	Assigned  int
	Skipped   int
	Failed    int
}

// Finish stamps a sweep with its end time and counters.
func (s *Store) Finish(sweepID int64, t Totals) error {
	_, err := s.db.Exec(`
		UPDATE sweeps SET finished_at = ?, processed = ?, closed = ?, assigned = ?, skipped = ?, failed = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339),
		t.Processed, t.Closed, t.Assigned, t.Skipped, t.Failed, sweepID)
	if err != nil {
		return fmt.Errorf("journal: finish: %w", err)
	}
	return nil
}

// RecentSweeps lists the newest sweeps, optionally filtered by kind.
func (s *Store) RecentSweeps(kind string, limit int) ([]Sweep, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, kind, started_at, finished_at, processed, closed, assigned, skipped, failed FROM sweeps`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []Sweep
	for rows.Next() {
		var sw Sweep
		var started string
		var finished sql.NullString
		if err := rows.Scan(&sw.ID, &sw.Kind, &started, &finished,
			&sw.Processed, &sw.Closed, &sw.Assigned, &sw.Skipped, &sw.Failed); err != nil {
			return nil, fmt.Errorf("journal: scan sweep: %w", err)
		}
		sw.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished.Valid {
			ts, err := time.Parse(time.RFC3339, finished.String)
			if err == nil {
				sw.FinishedAt = &ts
			}
		}
		sweeps = append(sweeps, sw)
	}
	return sweeps, rows.Err()
}

// Outcomes lists the item outcomes of one sweep, oldest first.
func (s *Store) Outcomes(sweepID int64) ([]Outcome, error) {
	rows, err := s.db.Query(`
		SELECT id, sweep_id, item_id, subscriber, action, reason, subject, created_at
		FROM outcomes WHERE sweep_id = ? ORDER BY id`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("journal: list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var created string
		if err := rows.Scan(&o.ID, &o.SweepID, &o.ItemID, &o.Subscriber,
			&o.Action, &o.Reason, &o.Subject, &created); err != nil {
			return nil, fmt.Errorf("journal: scan outcome: %w", err)
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, created)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
