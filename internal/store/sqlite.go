// ABOUTME: SQLite audit ledger using modernc.org/sqlite
// ABOUTME: Records transport events, dispatch outcomes and alerts with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// EventKind classifies an audit ledger entry.
type EventKind string

const (
	KindSelfEcho   EventKind = "self_echo"  // self-originated message, never buffered
	KindBuffered   EventKind = "buffered"   // counterpart message appended to a buffer
	KindFlushed    EventKind = "flushed"    // batch submitted for generation
	KindReplied    EventKind = "replied"    // automated reply sent
	KindHandedOff  EventKind = "handed_off" // conversation assigned to a human operator
	KindDispatched EventKind = "dispatched" // gateway-triggered immediate send
	KindAlert      EventKind = "alert"      // operator alert emitted
	KindConnection EventKind = "connection" // transport lifecycle event
)

// Event is one audit ledger entry.
type Event struct {
	ID        string
	Kind      EventKind
	ThreadID  string // empty for connection-level events
	Detail    string
	Timestamp time.Time
}

// SQLiteStore implements the audit ledger on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a ledger at the given path. The schema is created if
// it doesn't exist; parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit ledger initialized", "path", path)
	return s, nil
}

// createSchema creates the ledger table if it doesn't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS ledger (
			event_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			ts DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_thread
			ON ledger(thread_id, ts);

		CREATE INDEX IF NOT EXISTS idx_ledger_kind
			ON ledger(kind, ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Append writes a new entry. ID and Timestamp are generated if unset.
func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO ledger (event_id, kind, thread_id, detail, ts)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.ThreadID,
		e.Detail,
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	s.logger.Debug("appended ledger entry",
		"id", e.ID,
		"kind", e.Kind,
		"thread_id", e.ThreadID,
	)
	return nil
}

// Filter specifies options for listing ledger entries.
type Filter struct {
	Kind     *EventKind
	ThreadID *string
	Since    *time.Time
	Limit    int // default 100, max 1000
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listQuery = `
	SELECT event_id, kind, thread_id, detail, ts
	FROM ledger
	WHERE (? IS NULL OR kind = ?)
	  AND (? IS NULL OR thread_id = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC
	LIMIT ?
`

// List returns entries matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Event, error) {
	var kindStr, sinceStr *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kindStr = &k
	}
	if f.Since != nil {
		t := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &t
	}

	rows, err := s.db.QueryContext(ctx, listQuery,
		kindStr, kindStr,
		f.ThreadID, f.ThreadID,
		sinceStr, sinceStr,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var kind, tsStr string
		if err := rows.Scan(&e.ID, &kind, &e.ThreadID, &e.Detail, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		e.Kind = EventKind(kind)
		var perr error
		e.Timestamp, perr = time.Parse(time.RFC3339, tsStr)
		if perr != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", perr)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger entries: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
