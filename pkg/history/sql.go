package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and DDL flavour for SQLLog.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) schema() string {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	return `
CREATE TABLE IF NOT EXISTS history_entries (
	seq ` + seq + `,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	ts BIGINT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS history_entries_kind_seq ON history_entries (kind, seq);
`
}

// rebind rewrites `?` placeholders into $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the history table if it does not exist.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range strings.Split(d.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: migrate: %w", err)
		}
	}
	return nil
}

// SQLLog stores entries of one kind in the shared history_entries table.
// Several logs share a database, each under its own kind.
type SQLLog[T any] struct {
	db        *sql.DB
	dialect   Dialect
	kind      string
	retention Retention
	clock     func() time.Time
}

// NewSQLLog returns a log over db. Call Migrate once per database first.
func NewSQLLog[T any](db *sql.DB, d Dialect, kind string, retention Retention) *SQLLog[T] {
	return &SQLLog[T]{db: db, dialect: d, kind: kind, retention: retention, clock: time.Now}
}

// WithClock replaces the clock used to stamp entries.
func (l *SQLLog[T]) WithClock(clock func() time.Time) *SQLLog[T] {
	l.clock = clock
	return l
}

func (l *SQLLog[T]) Append(ctx context.Context, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	query := l.dialect.rebind(`INSERT INTO history_entries (id, kind, ts, payload) VALUES (?, ?, ?, ?)`)
	if _, err := l.db.ExecContext(ctx, query, uuid.NewString(), l.kind, l.clock().UnixNano(), string(payload)); err != nil {
		return fmt.Errorf("history: append %s: %w", l.kind, err)
	}
	return nil
}

func (l *SQLLog[T]) Tail(ctx context.Context, n int) ([]T, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if n > 0 {
		query := l.dialect.rebind(`SELECT payload FROM history_entries WHERE kind = ? ORDER BY seq DESC LIMIT ?`)
		rows, err = l.db.QueryContext(ctx, query, l.kind, n)
	} else {
		query := l.dialect.rebind(`SELECT payload FROM history_entries WHERE kind = ? ORDER BY seq DESC`)
		rows, err = l.db.QueryContext(ctx, query, l.kind)
	}
	if err != nil {
		return nil, fmt.Errorf("history: tail %s: %w", l.kind, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]T, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("history: decode %s: %w", l.kind, err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func (l *SQLLog[T]) Len(ctx context.Context) (int, error) {
	var n int
	query := l.dialect.rebind(`SELECT COUNT(*) FROM history_entries WHERE kind = ?`)
	if err := l.db.QueryRowContext(ctx, query, l.kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count %s: %w", l.kind, err)
	}
	return n, nil
}

// Compact deletes entries older than MaxAge, then all but the newest
// MaxEntries.
func (l *SQLLog[T]) Compact(ctx context.Context) (int, error) {
	removed := 0
	if cutoff := l.retention.cutoff(l.clock()); !cutoff.IsZero() {
		query := l.dialect.rebind(`DELETE FROM history_entries WHERE kind = ? AND ts < ?`)
		res, err := l.db.ExecContext(ctx, query, l.kind, cutoff.UnixNano())
		if err != nil {
			return removed, fmt.Errorf("history: compact age %s: %w", l.kind, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if l.retention.MaxEntries > 0 {
		query := l.dialect.rebind(`DELETE FROM history_entries WHERE kind = ? AND seq NOT IN (
			SELECT seq FROM history_entries WHERE kind = ? ORDER BY seq DESC LIMIT ?
		)`)
		res, err := l.db.ExecContext(ctx, query, l.kind, l.kind, l.retention.MaxEntries)
		if err != nil {
			return removed, fmt.Errorf("history: compact count %s: %w", l.kind, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}
