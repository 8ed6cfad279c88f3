package orchestrator

import (
	"time"

	"github.com/aegis-ai/aegis/internal/detect"
	"github.com/aegis-ai/aegis/internal/risk"
)

// Terminal actions, strongest first.
const (
	ActionBlocked   = "blocked"
	ActionEscalated = "escalated"
	ActionSanitized = "sanitized"
	ActionAllowed   = "allowed"
)

// ToolTraceEntry records one pass through the tool-call loop.
type ToolTraceEntry struct {
	Iteration   int     `json:"iteration"`
	Source      string  `json:"source"`
	Question    string  `json:"question"`
	PlanSummary string  `json:"plan_summary"`
	PlanRisk    float64 `json:"plan_risk"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	Rows        int     `json:"rows"`
	ResultLevel string  `json:"result_level,omitempty"`
	Failure     string  `json:"failure,omitempty"`
}

// StageCounts summarizes how much each stage found.
type StageCounts struct {
	InputFindings  int `json:"input_findings"`
	DataScans      int `json:"data_scans"`
	DataFindings   int `json:"data_findings"`
	OutputFindings int `json:"output_findings"`
	Iterations     int `json:"iterations"`
}

// Report is the per-request risk summary emitted to the audit sink and
// returned alongside the answer.
type Report struct {
	RequestID        string
	Timestamp        time.Time
	Model            string
	Mode             risk.Mode
	Action           string
	OverallScore     float64
	Level            risk.Level
	InputAssessment  *risk.Assessment
	OutputAssessment *risk.Assessment
	DataAssessments  []*risk.Assessment
	ToolTrace        []ToolTraceEntry
	Findings         []detect.Finding
	Stages           StageCounts

	// Populated when the output scan had grounding.
	HallucinationScore float64
	FactualAccuracy    float64

	Duration time.Duration
}

// finalize computes the overall score, level, action, and stage counts from
// the accumulated assessments. sanitized must reflect rewrites that were
// actually applied; an assessment can recommend sanitization the caller
// opted out of.
func (r *Report) finalize(blocked, escalated, sanitized bool) {
	assessments := append([]*risk.Assessment{r.InputAssessment, r.OutputAssessment}, r.DataAssessments...)
	for _, a := range assessments {
		if a == nil {
			continue
		}
		if a.OverallScore > r.OverallScore {
			r.OverallScore = a.OverallScore
		}
		if a.Escalated() {
			escalated = true
		}
	}
	r.Level = risk.LevelForScore(r.OverallScore)

	switch {
	case blocked:
		r.Action = ActionBlocked
	case escalated:
		r.Action = ActionEscalated
	case sanitized:
		r.Action = ActionSanitized
	default:
		r.Action = ActionAllowed
	}

	if r.InputAssessment != nil {
		r.Stages.InputFindings = len(r.InputAssessment.Findings)
	}
	if r.OutputAssessment != nil {
		r.Stages.OutputFindings = len(r.OutputAssessment.Findings)
		if r.OutputAssessment.HasGrounding {
			r.HallucinationScore = r.OutputAssessment.HallucinationScore
			r.FactualAccuracy = r.OutputAssessment.FactualAccuracy
		}
	}
	r.Stages.DataScans = len(r.DataAssessments)
	for _, a := range r.DataAssessments {
		r.Stages.DataFindings += len(a.Findings)
	}
}

// HasFinding reports whether the report carries a finding with the subtype.
func (r *Report) HasFinding(subtype string) bool {
	for _, f := range r.Findings {
		if f.Subtype == subtype {
			return true
		}
	}
	return false
}

// Result is what the caller receives: the answer (or refusal) plus the full
// report.
type Result struct {
	Answer        string
	Refused       bool
	BlockedInput  bool
	BlockedOutput bool
	Report        *Report
}
