// Package journal persists bridge events to sqlite for later inspection.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/studiobridge/pkg/eventbus"
)

// Entry is one journaled event.
type Entry struct {
	ID    int64           `json:"id" yaml:"id"`
	Event eventbus.Event  `json:"event" yaml:"event"`
	At    time.Time       `json:"at" yaml:"at"`
	Data  json.RawMessage `json:"data,omitempty" yaml:"-"`
}

// Query filters List. Entries are returned newest first.
type Query struct {
	Event eventbus.Event
	Since time.Time
	Limit int
}

type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile returns a sqlite dsn for path with WAL and a busy timeout.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("journal: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			data_json TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS events_by_event_at ON events(event, at_ms)`,
		`CREATE INDEX IF NOT EXISTS events_by_at ON events(at_ms)`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "journal: migrate")
		}
	}
	return nil
}

// Append stores one event and returns its id.
func (s *Store) Append(ctx context.Context, event eventbus.Event, at time.Time, data json.RawMessage) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("journal: db is nil")
	}
	if strings.TrimSpace(string(event)) == "" {
		return 0, errors.New("journal: event name is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(event, at_ms, data_json) VALUES (?, ?, ?)`,
		string(event), at.UnixMilli(), string(data))
	if err != nil {
		return 0, errors.Wrap(err, "journal: insert")
	}
	return res.LastInsertId()
}

func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal: db is nil")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if q.Event != "" {
		clauses = append(clauses, "event = ?")
		args = append(args, string(q.Event))
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, event, at_ms, data_json FROM events %s ORDER BY at_ms DESC, id DESC LIMIT ?`, where),
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "journal: query")
	}
	defer func() { _ = rows.Close() }()

	items := []Entry{}
	for rows.Next() {
		var (
			e    Entry
			name string
			atMs int64
			data string
		)
		if err := rows.Scan(&e.ID, &name, &atMs, &data); err != nil {
			return nil, err
		}
		e.Event = eventbus.Event(name)
		e.At = time.UnixMilli(atMs).UTC()
		if data != "" {
			e.Data = json.RawMessage(data)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
