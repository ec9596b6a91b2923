package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Columns is the row layout shared by the SQL sinks.
const Columns = "occurred_at, type, state, pid, attempt, detail, error"

// SelectSQL renders the query for q against table. ph formats the n-th
// (1-based) bind parameter, e.g. "?" or "$n".
func SelectSQL(table string, q Query, ph func(n int) string) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		args = append(args, string(q.Type))
		where = append(where, "type = "+ph(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, "occurred_at >= "+ph(len(args)))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", Columns, table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY occurred_at DESC LIMIT %d", q.Bounded())
	return b.String(), args
}

// ScanRows reads rows produced by SelectSQL.
func ScanRows(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e             Event
			typ           string
			at            time.Time
			detail, errSt sql.NullString
		)
		if err := rows.Scan(&at, &typ, &e.State, &e.PID, &e.Attempt, &detail, &errSt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = at.UTC()
		e.Detail = detail.String
		e.Error = errSt.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Nullable maps "" to SQL NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
