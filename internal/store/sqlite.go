package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is how long journal events are kept.
const DefaultRetention = 7 * 24 * time.Hour

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	retention time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/tracker.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "tracker.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		retention: DefaultRetention,
		closeCh:   make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route TEXT NOT NULL,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_route_at ON events(route, at)`,
		`CREATE TABLE IF NOT EXISTS routes (
			route TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically drops journal events older than the retention
// window.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.prune(time.Now().UTC().Add(-s.retention))
		}
	}
}

func (s *SQLiteStore) prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec("DELETE FROM events WHERE at < ?", cutoff)
}

// --- Journal ---

func (s *SQLiteStore) EventAppend(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (route, kind, session_id, username, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Route, ev.Kind, ev.SessionID, ev.User, ev.Detail, ev.At.UTC(),
	)
	return err
}

func (s *SQLiteStore) EventList(ctx context.Context, route string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, route, kind, session_id, username, detail, at FROM events"
	args := []any{}
	if route != "" {
		query += " WHERE route = ?"
		args = append(args, route)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Route, &e.Kind, &e.SessionID, &e.User, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Routes ---

func (s *SQLiteStore) RouteSave(ctx context.Context, r RouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (route, created_at) VALUES (?, ?)
		 ON CONFLICT (route) DO NOTHING`,
		r.Route, r.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) RouteDelete(ctx context.Context, route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE route = ?", route)
	return err
}

func (s *SQLiteStore) RouteList(ctx context.Context) ([]RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT route, created_at FROM routes ORDER BY route")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []RouteRecord
	for rows.Next() {
		var r RouteRecord
		if err := rows.Scan(&r.Route, &r.CreatedAt); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Close shuts down the cleanup goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.db.Close()
	})
	return err
}
