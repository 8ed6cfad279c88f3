package connector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSourceBusy is returned when the connection pool stays exhausted
	// past the queue deadline.
	ErrSourceBusy = errors.New("source busy")
	// ErrSourceUnavailable is returned when the source cannot be reached.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceTimeout is returned when execution exceeds max_query_ms.
	ErrSourceTimeout = errors.New("source timeout")
)

// RawResult is the adapter's columnar output before gating and re-scan.
type RawResult struct {
	Columns   []string
	Rows      [][]string
	Elapsed   time.Duration
	Truncated bool
}

// Adapter executes queries against one data source kind.
type Adapter interface {
	// Open establishes the underlying connection or client. Idempotent.
	Open(ctx context.Context) error

	// Execute runs the query with bound parameters under the deadline.
	Execute(ctx context.Context, query string, params []any, deadline time.Duration) (*RawResult, error)

	Close() error
}

// NewAdapter builds the adapter for a source. credential is the value
// resolved from the config's credentials_ref: a DSN for SQL kinds, a bearer
// token for REST. SQL kinds fall back to the endpoint when no credential is
// configured (file-backed SQLite).
func NewAdapter(cfg DataSourceConfig, credential string) (Adapter, error) {
	switch cfg.Kind {
	case KindREST:
		return NewRESTAdapter(cfg, credential), nil
	case KindPostgres, KindMySQL, KindSupabase, KindSQLite:
		dsn := credential
		if dsn == "" {
			dsn = cfg.Endpoint
		}
		return NewSQLAdapter(cfg, dsn), nil
	default:
		return nil, fmt.Errorf("data source %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}
