package audit

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aegis-ai/aegis/internal/orchestrator"
	"github.com/aegis-ai/aegis/internal/risk"
)

func sampleReport() *orchestrator.Report {
	return &orchestrator.Report{
		RequestID:    "req-1",
		Timestamp:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Model:        "test-model",
		Mode:         risk.ModeBalanced,
		Action:       orchestrator.ActionSanitized,
		OverallScore: 6.0,
		Level:        risk.LevelHigh,
		ToolTrace: []orchestrator.ToolTraceEntry{{
			Iteration: 1,
			Source:    "orders",
			Question:  "where is order ORD-1?",
			Rows:      1,
		}},
		Stages: orchestrator.StageCounts{
			InputFindings: 1,
			DataScans:     1,
			Iterations:    1,
		},
		FactualAccuracy: 1.0,
		Duration:        42 * time.Millisecond,
	}
}

func TestRecordFromReport(t *testing.T) {
	record := RecordFromReport(sampleReport())

	if record.RequestID != "req-1" {
		t.Errorf("request id = %q", record.RequestID)
	}
	if record.Action != "sanitized" || record.RiskLevel != "high" {
		t.Errorf("action/level = %q/%q", record.Action, record.RiskLevel)
	}
	if record.Iterations != 1 || record.InputFindings != 1 {
		t.Errorf("stage counts = %+v", record)
	}
	if !strings.Contains(record.ToolTrace, `"source":"orders"`) {
		t.Errorf("tool trace JSON = %q", record.ToolTrace)
	}
	if record.DurationMS != 42 {
		t.Errorf("duration = %v", record.DurationMS)
	}
}

func TestRecordFromReportEmptyTrace(t *testing.T) {
	report := sampleReport()
	report.ToolTrace = nil

	record := RecordFromReport(report)
	if record.ToolTrace != "[]" {
		t.Errorf("empty trace = %q, want []", record.ToolTrace)
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	defer sink.Close()

	sink.Write(RecordFromReport(sampleReport()))

	entries := logs.FilterMessage("audit_record").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Errorf("request_id field = %v", fields["request_id"])
	}
	if fields["action"] != "sanitized" {
		t.Errorf("action field = %v", fields["action"])
	}
}

func TestReporter(t *testing.T) {
	captured := &captureSink{}
	reporter := NewReporter(captured)

	reporter.Record(sampleReport())
	if len(captured.records) != 1 || captured.records[0].RequestID != "req-1" {
		t.Fatalf("records = %+v", captured.records)
	}
}

type captureSink struct {
	records []*Record
}

func (c *captureSink) Write(record *Record) { c.records = append(c.records, record) }
func (c *captureSink) Close()               {}
