package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable storage for trace events.
// Uses SQLite with WAL mode so several peer processes can share one file.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write inserts one event for run.
func (s *Store) Write(ctx context.Context, run uuid.UUID, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, peer, clock, phase, kind, text)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.String(), e.Peer, e.Clock, e.Phase, string(e.Kind), e.Text)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Run summarizes one recorded run.
type Run struct {
	ID     string
	Events int
	Peers  int
}

// Runs lists recorded runs in the order they started.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), COUNT(DISTINCT peer)
		FROM events
		GROUP BY run_id
		ORDER BY MIN(seq) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Events, &r.Peers); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Events returns the events of run in seq order.
func (s *Store) Events(ctx context.Context, run string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer, clock, phase, kind, text
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, run)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			kind string
		)
		if err := rows.Scan(&e.Peer, &e.Clock, &e.Phase, &kind, &e.Text); err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		e.Kind = Kind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Recorder is a Sink that writes to a Store under one run id.
// The first write error is kept and later events are dropped.
type Recorder struct {
	store *Store
	run   uuid.UUID

	mu  sync.Mutex
	err error
}

// Recorder returns a sink recording into run.
func (s *Store) Recorder(run uuid.UUID) *Recorder {
	return &Recorder{store: s, run: run}
}

// Record writes e.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.err = r.store.Write(context.Background(), r.run, e)
}

// Run returns the run id.
func (r *Recorder) Run() uuid.UUID {
	return r.run
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
