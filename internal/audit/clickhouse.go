package audit

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseSink writes audit records to ClickHouse asynchronously. Write
// is non-blocking; records are buffered and batch-inserted in a background
// goroutine.
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *Record
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseSink connects, pings, and starts the background flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN sets TLS when ?secure=true is in the DSN; enforce it here so
	// cloud deployments on 9440 work without the flag.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *Record, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s, nil
}

// Write queues a record for async insertion. Drops the record if the buffer
// is full.
func (s *ClickHouseSink) Write(record *Record) {
	select {
	case s.buffer <- record:
	default:
		s.logger.Warn("audit buffer full, dropping record",
			zap.String("request_id", record.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining records, waits for it to
// finish (up to drainTimeout), and returns. Safe to call once.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, flushBatch)

	for {
		select {
		case record := <-s.buffer:
			batch = append(batch, record)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case record := <-s.buffer:
					batch = append(batch, record)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(records []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO audit_log (
			request_id, timestamp, action,
			overall_risk_score, risk_level,
			input_findings, data_scans, data_findings, output_findings, iterations,
			tool_trace, hallucination_score, factual_accuracy,
			model, mode, duration_ms
		)
	`)
	if err != nil {
		s.logger.Error("audit prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range records {
		if err := batch.Append(
			r.RequestID,
			r.Timestamp,
			r.Action,
			r.OverallRiskScore,
			r.RiskLevel,
			r.InputFindings,
			r.DataScans,
			r.DataFindings,
			r.OutputFindings,
			r.Iterations,
			r.ToolTrace,
			r.HallucinationScore,
			r.FactualAccuracy,
			r.Model,
			r.Mode,
			r.DurationMS,
		); err != nil {
			s.logger.Error("audit append record failed",
				zap.String("request_id", r.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("audit batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
	}
}

// LogSink is a fallback Sink for local development. It logs records as
// structured JSON via zap.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(record *Record) {
	s.logger.Info("audit_record",
		zap.String("request_id", record.RequestID),
		zap.String("action", record.Action),
		zap.Float64("overall_risk_score", record.OverallRiskScore),
		zap.String("risk_level", record.RiskLevel),
		zap.Uint32("iterations", record.Iterations),
		zap.String("tool_trace", record.ToolTrace),
		zap.Float64("hallucination_score", record.HallucinationScore),
		zap.String("model", record.Model),
		zap.String("mode", record.Mode),
		zap.Float64("duration_ms", record.DurationMS),
	)
}

func (s *LogSink) Close() {}
