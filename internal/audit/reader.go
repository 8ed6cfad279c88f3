package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse audit_log table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// RecordRow is one row from the audit_log table.
type RecordRow struct {
	RequestID          string
	Timestamp          time.Time
	Action             string
	OverallRiskScore   float64
	RiskLevel          string
	InputFindings      uint32
	DataScans          uint32
	DataFindings       uint32
	OutputFindings     uint32
	Iterations         uint32
	ToolTrace          string
	HallucinationScore float64
	FactualAccuracy    float64
	Model              string
	Mode               string
	DurationMS         float64
}

// ListParams holds filters and pagination for audit listing.
type ListParams struct {
	Action    *string
	Mode      *string
	MinScore  *float64
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

const recordColumns = "request_id, timestamp, action, " +
	"overall_risk_score, risk_level, " +
	"input_findings, data_scans, data_findings, output_findings, iterations, " +
	"tool_trace, hallucination_score, factual_accuracy, " +
	"model, mode, duration_ms"

func scanRecord(row interface{ Scan(dest ...any) error }, rec *RecordRow) error {
	return row.Scan(
		&rec.RequestID, &rec.Timestamp, &rec.Action,
		&rec.OverallRiskScore, &rec.RiskLevel,
		&rec.InputFindings, &rec.DataScans, &rec.DataFindings, &rec.OutputFindings, &rec.Iterations,
		&rec.ToolTrace, &rec.HallucinationScore, &rec.FactualAccuracy,
		&rec.Model, &rec.Mode, &rec.DurationMS,
	)
}

// ListRecords returns paginated, filtered audit records and the total count.
func (r *Reader) ListRecords(ctx context.Context, params ListParams) ([]RecordRow, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Action != nil {
		conditions = append(conditions, "action = @action")
		args = append(args, clickhouse.Named("action", *params.Action))
	}
	if params.Mode != nil {
		conditions = append(conditions, "mode = @mode")
		args = append(args, clickhouse.Named("mode", *params.Mode))
	}
	if params.MinScore != nil {
		conditions = append(conditions, "overall_risk_score >= @min_score")
		args = append(args, clickhouse.Named("min_score", *params.MinScore))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	if params.Page <= 0 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 50
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM audit_log WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListRecords count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM audit_log WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		recordColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListRecords query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []RecordRow
	for rows.Next() {
		var rec RecordRow
		if err := scanRecord(rows, &rec); err != nil {
			return nil, 0, fmt.Errorf("ListRecords scan: %w", err)
		}
		records = append(records, rec)
	}

	return records, int(total), rows.Err()
}

// GetRecord returns a single record by request ID, or nil if not found.
func (r *Reader) GetRecord(ctx context.Context, requestID string) (*RecordRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM audit_log WHERE request_id = @request_id", recordColumns),
		clickhouse.Named("request_id", requestID),
	)

	var rec RecordRow
	if err := scanRecord(row, &rec); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetRecord: %w", err)
	}
	if rec.RequestID == "" {
		return nil, nil
	}
	return &rec, nil
}

// ActionCounts holds aggregate per-action counts for a time window.
type ActionCounts struct {
	Total     int `json:"total"`
	Allowed   int `json:"allowed"`
	Sanitized int `json:"sanitized"`
	Escalated int `json:"escalated"`
	Blocked   int `json:"blocked"`
}

// Summary aggregates action counts since the given time.
func (r *Reader) Summary(ctx context.Context, since time.Time) (*ActionCounts, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT action, count() FROM audit_log WHERE timestamp >= @since GROUP BY action",
		clickhouse.Named("since", since),
	)
	if err != nil {
		return nil, fmt.Errorf("Summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts ActionCounts
	for rows.Next() {
		var action string
		var n uint64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("Summary scan: %w", err)
		}
		counts.Total += int(n)
		switch action {
		case "allowed":
			counts.Allowed = int(n)
		case "sanitized":
			counts.Sanitized = int(n)
		case "escalated":
			counts.Escalated = int(n)
		case "blocked":
			counts.Blocked = int(n)
		}
	}
	return &counts, rows.Err()
}
