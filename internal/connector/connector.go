// Package connector mediates between query plans and data sources: it
// holds the registered source configs, executes plans through kind-specific
// adapters under bounded pools, and re-scans results through the risk agent
// before anything reaches the model.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aegis-ai/aegis/internal/detect"
	"github.com/aegis-ai/aegis/internal/queryplan"
	"github.com/aegis-ai/aegis/internal/risk"
)

// DefaultQueueDeadline bounds how long Run waits for a pooled connection.
const DefaultQueueDeadline = 2 * time.Second

// Analyzer is the slice of the risk agent the connector needs.
type Analyzer interface {
	Analyze(ctx context.Context, req *risk.Request) *risk.Assessment
}

// QueryResult is what the orchestrator sees. Rows are already sanitized;
// an unsafe result has empty rows and a failure reason.
type QueryResult struct {
	Columns       []string
	Rows          [][]string
	RowCount      int
	ElapsedMS     int64
	Assessment    *risk.Assessment
	IsSafe        bool
	Sanitized     bool
	Truncated     bool
	FailureReason string
	Findings      []detect.Finding
}

// GroundingRecords projects the result rows as key/value pairs for the
// hallucination detector. Multi-row results prefix keys with the row index.
func (r *QueryResult) GroundingRecords() []detect.GroundingRecord {
	var records []detect.GroundingRecord
	for i, row := range r.Rows {
		for j, col := range r.Columns {
			if j >= len(row) || row[j] == "" {
				continue
			}
			key := col
			if len(r.Rows) > 1 {
				key = fmt.Sprintf("row%d.%s", i+1, col)
			}
			records = append(records, detect.GroundingRecord{Key: key, Value: row[j]})
		}
	}
	return records
}

type source struct {
	cfg     DataSourceConfig
	adapter Adapter
	sem     *semaphore.Weighted

	connected atomic.Bool
	errors    atomic.Uint64
	lastError atomic.Pointer[string]
}

func (s *source) fail(err error) {
	s.errors.Add(1)
	msg := err.Error()
	s.lastError.Store(&msg)
}

// SourceStatus is the health view of one registered source.
type SourceStatus struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Connected  bool   `json:"connected"`
	ErrorCount uint64 `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Connector is safe for concurrent use. Sources may be upserted at runtime
// through the admin surface.
type Connector struct {
	mu            sync.RWMutex
	sources       map[string]*source
	agent         Analyzer
	log           *zap.Logger
	queueDeadline time.Duration
	planRiskGate  float64
}

func New(agent Analyzer, log *zap.Logger) *Connector {
	return &Connector{
		sources:       make(map[string]*source),
		agent:         agent,
		log:           log,
		queueDeadline: DefaultQueueDeadline,
		planRiskGate:  5.0,
	}
}

// Register upserts a source with its adapter.
func (c *Connector) Register(cfg DataSourceConfig, adapter Adapter) error {
	if err := cfg.Normalize(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sources[cfg.Name]; ok {
		_ = old.adapter.Close()
	}
	c.sources[cfg.Name] = &source{
		cfg:     cfg,
		adapter: adapter,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
	}
	return nil
}

// Get returns a registered source config.
func (c *Connector) Get(name string) (DataSourceConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[name]
	if !ok {
		return DataSourceConfig{}, false
	}
	return s.cfg, true
}

// List returns all registered source configs.
func (c *Connector) List() []DataSourceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	configs := make([]DataSourceConfig, 0, len(c.sources))
	for _, s := range c.sources {
		configs = append(configs, s.cfg)
	}
	return configs
}

// PlanRiskGate is the estimated-risk ceiling for executable plans.
func (c *Connector) PlanRiskGate() float64 { return c.planRiskGate }

// Status returns the health view of a registered source.
func (c *Connector) Status(name string) (SourceStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[name]
	if !ok {
		return SourceStatus{}, false
	}
	status := SourceStatus{
		Name:       s.cfg.Name,
		Kind:       string(s.cfg.Kind),
		Connected:  s.connected.Load(),
		ErrorCount: s.errors.Load(),
	}
	if msg := s.lastError.Load(); msg != nil {
		status.LastError = *msg
	}
	return status, true
}

// Close closes every adapter.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, s := range c.sources {
		if err := s.adapter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run executes a plan: gate, pool, execute, re-scan, sanitize. Component
// failures come back as explained unsafe results, not errors; the only
// errors Run returns are programming mistakes.
func (c *Connector) Run(ctx context.Context, plan *queryplan.Plan, requestID string, mode risk.Mode) (*QueryResult, error) {
	c.mu.RLock()
	s, ok := c.sources[plan.TargetSource]
	c.mu.RUnlock()
	if !ok {
		return unsafeResult("source_unknown", fmt.Sprintf("source %q is not registered", plan.TargetSource)), nil
	}

	if !plan.Executable(c.planRiskGate) {
		return unsafeResult("query_plan_unsafe",
			fmt.Sprintf("plan rejected: risk %.1f, violations %v", plan.EstimatedRisk, plan.Violations)), nil
	}
	for _, table := range plan.ReferencedTables() {
		if s.cfg.TableDenied(table) {
			return unsafeResult("deny_table", "plan references a deny-listed table"), nil
		}
	}

	acquireCtx, cancel := context.WithTimeout(ctx, c.queueDeadline)
	err := s.sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return unsafeResult("cancelled", "request cancelled while queued"), nil
		}
		return unsafeResult("source_busy", "connection pool exhausted"), nil
	}
	defer s.sem.Release(1)

	if err := s.adapter.Open(ctx); err != nil {
		s.fail(err)
		c.log.Warn("source open failed", zap.String("source", s.cfg.Name), zap.Error(err))
		return unsafeResult("source_unavailable", err.Error()), nil
	}
	s.connected.Store(true)

	raw, err := s.adapter.Execute(ctx, plan.Query, plan.Parameters, s.cfg.QueryDeadline())
	switch {
	case errors.Is(err, ErrSourceTimeout):
		s.fail(err)
		res := unsafeResult("source_timeout", "query exceeded max_query_ms")
		res.Findings = append(res.Findings, detect.Finding{
			Subtype:    "source_timeout",
			Confidence: 1.0,
			Severity:   detect.SeverityLow,
			DetectorID: "connector",
		})
		return res, nil
	case err != nil:
		s.fail(err)
		c.log.Warn("source execute failed", zap.String("source", s.cfg.Name), zap.Error(err))
		return unsafeResult("source_unavailable", err.Error()), nil
	}

	result := &QueryResult{
		Columns:   raw.Columns,
		Rows:      raw.Rows,
		RowCount:  len(raw.Rows),
		ElapsedMS: raw.Elapsed.Milliseconds(),
		Truncated: raw.Truncated,
		IsSafe:    true,
	}

	if s.cfg.RiskScanResults && len(result.Rows) > 0 {
		result.Assessment = c.agent.Analyze(ctx, &risk.Request{
			Text:      projection(result.Columns, result.Rows),
			Phase:     detect.PhaseData,
			RequestID: requestID,
			Mode:      mode,
		})
		if result.Assessment.Blocked() {
			result.Rows = nil
			result.RowCount = 0
			result.IsSafe = false
			result.FailureReason = "result_blocked"
			return result, nil
		}
	}

	if s.cfg.SanitizeResults && needsRewrite(result.Assessment) {
		c.sanitizeCells(ctx, result, requestID, mode)
	}
	return result, nil
}

func unsafeResult(reason, detail string) *QueryResult {
	return &QueryResult{
		IsSafe:        false,
		FailureReason: reason + ": " + detail,
	}
}

func needsRewrite(assessment *risk.Assessment) bool {
	return assessment == nil || len(assessment.Findings) > 0
}

// sanitizeCells re-runs the agent per cell so the rewrite cannot cross cell
// boundaries. Vault deduplication keeps placeholders consistent with the
// projection scan.
func (c *Connector) sanitizeCells(ctx context.Context, result *QueryResult, requestID string, mode risk.Mode) {
	for i, row := range result.Rows {
		for j, cell := range row {
			if cell == "" {
				continue
			}
			assessment := c.agent.Analyze(ctx, &risk.Request{
				Text:      cell,
				Phase:     detect.PhaseData,
				RequestID: requestID,
				Mode:      mode,
			})
			if assessment.Blocked() {
				result.Rows[i][j] = "[REDACTED]"
				result.Sanitized = true
				continue
			}
			if assessment.Sanitized() {
				result.Rows[i][j] = assessment.SanitizedText
				result.Sanitized = true
			}
		}
	}
}

// projection renders rows as "column: value" lines so the agent scans the
// result the way it scans any text.
func projection(columns []string, rows [][]string) string {
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		for j, col := range columns {
			if j >= len(row) {
				break
			}
			b.WriteString(col)
			b.WriteString(": ")
			b.WriteString(row[j])
			b.WriteString("\n")
		}
	}
	return b.String()
}
