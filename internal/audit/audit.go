// Package audit persists one record per completed request. Writes never
// block the request path; the ClickHouse sink buffers and batch-inserts in
// the background, and the log sink serves local development.
package audit

import (
	"encoding/json"
	"time"

	"github.com/aegis-ai/aegis/internal/orchestrator"
)

// Sink is the audit write contract. Write must never block the caller.
type Sink interface {
	Write(record *Record)
	Close()
}

// Record is one audit row.
type Record struct {
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
	ToolTrace          string // JSON array of trace entries
	HallucinationScore float64
	FactualAccuracy    float64
	Model              string
	Mode               string
	DurationMS         float64
}

// RecordFromReport flattens a pipeline report into an audit row. Original
// user text and data cells are never included.
func RecordFromReport(r *orchestrator.Report) *Record {
	trace, err := json.Marshal(r.ToolTrace)
	if err != nil || r.ToolTrace == nil {
		trace = []byte("[]")
	}
	return &Record{
		RequestID:          r.RequestID,
		Timestamp:          r.Timestamp,
		Action:             r.Action,
		OverallRiskScore:   r.OverallScore,
		RiskLevel:          string(r.Level),
		InputFindings:      uint32(r.Stages.InputFindings),
		DataScans:          uint32(r.Stages.DataScans),
		DataFindings:       uint32(r.Stages.DataFindings),
		OutputFindings:     uint32(r.Stages.OutputFindings),
		Iterations:         uint32(r.Stages.Iterations),
		ToolTrace:          string(trace),
		HallucinationScore: r.HallucinationScore,
		FactualAccuracy:    r.FactualAccuracy,
		Model:              r.Model,
		Mode:               string(r.Mode),
		DurationMS:         float64(r.Duration.Milliseconds()),
	}
}

// Reporter adapts a Sink to the orchestrator's audit contract.
type Reporter struct {
	sink Sink
}

func NewReporter(sink Sink) *Reporter {
	return &Reporter{sink: sink}
}

func (r *Reporter) Record(report *orchestrator.Report) {
	r.sink.Write(RecordFromReport(report))
}
