package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var limitRe = regexp.MustCompile(`(?i)\blimit\s+\d+\b`)

// SQLAdapter runs queries over database/sql. Postgres and Supabase use the
// pgx driver, MySQL and SQLite their native ones.
type SQLAdapter struct {
	cfg DataSourceConfig
	dsn string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLAdapter builds an adapter for a SQL-backed source. dsn is the
// resolved credential material for cfg.CredentialsRef.
func NewSQLAdapter(cfg DataSourceConfig, dsn string) *SQLAdapter {
	return &SQLAdapter{cfg: cfg, dsn: dsn}
}

func (a *SQLAdapter) driver() (string, error) {
	switch a.cfg.Kind {
	case KindPostgres, KindSupabase:
		return "pgx", nil
	case KindMySQL:
		return "mysql", nil
	case KindSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("kind %q is not SQL-backed", a.cfg.Kind)
	}
}

func (a *SQLAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	driver, err := a.driver()
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, a.dsn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	db.SetMaxOpenConns(a.cfg.MaxConnections)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	a.db = db
	return nil
}

// openForTest injects a prepared handle, bypassing Open.
func (a *SQLAdapter) openForTest(db *sql.DB) {
	a.mu.Lock()
	a.db = db
	a.mu.Unlock()
}

func (a *SQLAdapter) Execute(ctx context.Context, query string, params []any, deadline time.Duration) (*RawResult, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: adapter not open", ErrSourceUnavailable)
	}

	query = a.enforceLimit(query)
	if a.cfg.Kind == KindPostgres || a.cfg.Kind == KindSupabase {
		query = rebindPositional(query)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrSourceTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	result := &RawResult{Columns: cols}
	scan := make([]any, len(cols))
	cells := make([]sql.NullString, len(cols))
	for i := range cells {
		scan[i] = &cells[i]
	}
	for rows.Next() {
		if len(result.Rows) >= a.cfg.MaxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		row := make([]string, len(cols))
		for i, c := range cells {
			if c.Valid {
				row[i] = c.String
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrSourceTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// enforceLimit appends LIMIT max_rows when the query has none. All the SQL
// dialects here accept it; extra rows are truncated at scan as backstop.
func (a *SQLAdapter) enforceLimit(query string) string {
	if limitRe.MatchString(query) {
		return query
	}
	return strings.TrimSuffix(strings.TrimSpace(query), ";") + " LIMIT " + strconv.Itoa(a.cfg.MaxRows)
}

// rebindPositional converts ? placeholders to the $n form pgx expects.
func rebindPositional(query string) string {
	var b strings.Builder
	n := 0
	inSingle := false
	for _, r := range query {
		switch {
		case r == '\'':
			inSingle = !inSingle
			b.WriteRune(r)
		case r == '?' && !inSingle:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (a *SQLAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
