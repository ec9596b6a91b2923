package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/torvisr/internal/history"
)

const table = "tor_events"

const schema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
	occurred_at TIMESTAMP NOT NULL,
	type        TEXT NOT NULL,
	state       TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	attempt     INTEGER NOT NULL,
	detail      TEXT,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_tor_events_time ON ` + table + `(occurred_at);`

// Sink records events in a local SQLite file and can replay them.
type Sink struct {
	db *sql.DB
}

// New opens dsn, which may be "sqlite:///path/to/file.db", "sqlite://:memory:",
// a bare path or ":memory:".
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection, or every ":memory:" connection sees its own database
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (`+history.Columns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC(), string(e.Type), e.State, e.PID, e.Attempt,
		history.Nullable(e.Detail), history.Nullable(e.Error))
	return err
}

func (s *Sink) Recent(ctx context.Context, q history.Query) ([]history.Event, error) {
	query, args := history.SelectSQL(table, q, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return history.ScanRows(rows)
}

// Count returns how many events of type t were recorded.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE type = ?`, string(t)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
