// Package journal provides a persistent audit log of labeling actions
// using SQLite. Every workflow transition lands here with its outcome,
// so degraded operations stay traceable after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Action identifies the workflow operation that produced an entry.
type Action string

const (
	ActionStart  Action = "start"
	ActionSubmit Action = "submit"
	ActionSkip   Action = "skip"
	ActionUndo   Action = "undo"
	ActionResume Action = "resume"
	ActionReset  Action = "reset"
)

// Outcome classifies how the operation ended.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeDegraded Outcome = "degraded"
	OutcomeError    Outcome = "error"
)

// Entry is one audit row. GridID zero and Label below zero mean the
// operation had no cell or label attached.
type Entry struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Action     Action    `json:"action"`
	GridID     int       `json:"grid_id,omitempty"`
	Label      int       `json:"label"`
	Remark     string    `json:"remark,omitempty"`
	QueueIndex int       `json:"queue_index"`
	QueueLen   int       `json:"queue_len"`
	Outcome    Outcome   `json:"outcome"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store provides persistent storage for the audit log using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the journal database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		action TEXT NOT NULL,
		grid_id INTEGER,
		label INTEGER,
		remark TEXT DEFAULT '',
		queue_index INTEGER DEFAULT 0,
		queue_len INTEGER DEFAULT 0,
		outcome TEXT NOT NULL,
		note TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_run ON actions(run_id);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record appends one entry and returns its row id. A zero CreatedAt is
// stamped with the current time.
func (s *Store) Record(e Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var gridID, label sql.NullInt64
	if e.GridID != 0 {
		gridID = sql.NullInt64{Int64: int64(e.GridID), Valid: true}
	}
	if e.Label >= 0 {
		label = sql.NullInt64{Int64: int64(e.Label), Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO actions (run_id, action, grid_id, label, remark, queue_index, queue_len, outcome, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, string(e.Action), gridID, label, e.Remark,
		e.QueueIndex, e.QueueLen, string(e.Outcome), e.Note,
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read action id: %w", err)
	}
	return id, nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, action, grid_id, label, remark, queue_index, queue_len, outcome, note, created_at
		FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForRun returns a run's entries in insertion order.
func (s *Store) ForRun(runID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, action, grid_id, label, remark, queue_index, queue_len, outcome, note, created_at
		FROM actions WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run actions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByAction tallies a run's entries per action.
func (s *Store) CountByAction(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT action, COUNT(*) FROM actions WHERE run_id = ? GROUP BY action`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[action] = n
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var gridID, label sql.NullInt64
	var createdAt string
	if err := rows.Scan(&e.ID, &e.RunID, (*string)(&e.Action), &gridID, &label,
		&e.Remark, &e.QueueIndex, &e.QueueLen, (*string)(&e.Outcome), &e.Note, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("failed to scan action: %w", err)
	}
	if gridID.Valid {
		e.GridID = int(gridID.Int64)
	}
	if label.Valid {
		e.Label = int(label.Int64)
	} else {
		e.Label = -1
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = ts
	}
	return e, nil
}
