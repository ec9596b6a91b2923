package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/torvisr/internal/history"
)

const DefaultTable = "tor_events"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options selects the server and table. Empty fields fall back to the
// ClickHouse defaults ("default" database and user, no password).
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink writes events over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if !identRe.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	err = conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+opts.Table+` (
		occurred_at DateTime64(6, 'UTC'),
		type        LowCardinality(String),
		state       LowCardinality(String),
		pid         UInt32,
		attempt     UInt32,
		detail      Nullable(String),
		error       Nullable(String)
	) ENGINE = MergeTree()
	ORDER BY (type, occurred_at)`)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	err := s.conn.Exec(ctx,
		`INSERT INTO `+s.table+` (`+history.Columns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC(),
		string(e.Type),
		e.State,
		uint32(e.PID),     // #nosec G115
		uint32(e.Attempt), // #nosec G115
		optional(e.Detail),
		optional(e.Error),
	)
	if err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

func (s *Sink) Recent(ctx context.Context, q history.Query) ([]history.Event, error) {
	query, args := history.SelectSQL(s.table, q, func(int) string { return "?" })
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e             history.Event
			typ           string
			pid, attempt  uint32
			detail, errSt *string
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.State, &pid, &attempt, &detail, &errSt); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = e.OccurredAt.UTC()
		e.PID, e.Attempt = int(pid), int(attempt)
		if detail != nil {
			e.Detail = *detail
		}
		if errSt != nil {
			e.Error = *errSt
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error { return s.conn.Close() }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
