// Package orchestrator is the per-request pipeline: input scan, provider
// calls, the tool-call loop through the query planner and connector, output
// scan, and the final report. One Handle call runs one request end to end
// under a single deadline.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-ai/aegis/internal/connector"
	"github.com/aegis-ai/aegis/internal/detect"
	"github.com/aegis-ai/aegis/internal/llm"
	"github.com/aegis-ai/aegis/internal/queryplan"
	"github.com/aegis-ai/aegis/internal/risk"
)

const (
	DefaultBudget        = 30 * time.Second
	DefaultMaxIterations = 4
)

// Canonical safe refusals. These never echo user text or data cells.
const (
	refusalBlockedInput  = "I can't process this request because it violates the content policy."
	refusalBlockedOutput = "I generated a response that did not pass the safety review, so I can't share it."
	refusalUnavailable   = "I couldn't complete this request right now. Please try again."
)

// Analyzer is the slice of the risk agent the orchestrator uses.
type Analyzer interface {
	Analyze(ctx context.Context, req *risk.Request) *risk.Assessment
}

// DataRunner is the slice of the connector the orchestrator uses.
type DataRunner interface {
	Run(ctx context.Context, plan *queryplan.Plan, requestID string, mode risk.Mode) (*connector.QueryResult, error)
	Get(name string) (connector.DataSourceConfig, bool)
	PlanRiskGate() float64
}

// Auditor receives the final report. Implementations must not block the
// request path.
type Auditor interface {
	Record(report *Report)
}

// Request is one chat request entering the pipeline.
type Request struct {
	RequestID           string
	Model               string
	Messages            []llm.Message
	Mode                risk.Mode
	MaxRiskScore        float64
	EnableRiskDetection bool
	SanitizeInput       bool
	SanitizeOutput      bool
	EnableDataAccess    bool
	DataSourceName      string
	DataQuery           string
	Budget              time.Duration
	MaxIterations       int
}

func (r *Request) normalize() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Budget <= 0 {
		r.Budget = DefaultBudget
	}
	if r.MaxIterations <= 0 {
		r.MaxIterations = DefaultMaxIterations
	}
	if r.Mode == "" {
		r.Mode = risk.ModeBalanced
	}
}

// Orchestrator threads requests through the pipeline. Immutable after
// construction; safe for concurrent use.
type Orchestrator struct {
	agent     Analyzer
	provider  llm.Provider
	generator *queryplan.Generator
	data      DataRunner
	audit     Auditor
	log       *zap.Logger
}

func New(agent Analyzer, provider llm.Provider, generator *queryplan.Generator, data DataRunner, audit Auditor, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		agent:     agent,
		provider:  provider,
		generator: generator,
		data:      data,
		audit:     audit,
		log:       log,
	}
}

// pipeline is the per-request mutable state.
type pipeline struct {
	req       *Request
	messages  []llm.Message
	grounding []detect.GroundingRecord
	report    *Report
	iteration int
	escalated bool
	sanitized bool
}

// Handle runs one request. Component failures come back inside the Result;
// the only error returned is a nil-request programming mistake.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("empty request")
	}
	req.normalize()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, req.Budget)
	defer cancel()

	p := &pipeline{
		req: req,
		report: &Report{
			RequestID: req.RequestID,
			Timestamp: started,
			Model:     req.Model,
			Mode:      req.Mode,
		},
	}
	p.messages = append(p.messages, req.Messages...)

	result := o.run(ctx, p)
	p.report.Duration = time.Since(started)
	result.Report = p.report
	if o.audit != nil {
		o.audit.Record(p.report)
	}
	o.log.Info("request complete",
		zap.String("request_id", req.RequestID),
		zap.String("action", p.report.Action),
		zap.Float64("overall_score", p.report.OverallScore),
		zap.Int("iterations", p.report.Stages.Iterations),
		zap.Duration("duration", p.report.Duration))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, p *pipeline) *Result {
	if blocked := o.scanInput(ctx, p); blocked != nil {
		return blocked
	}

	forceFinal := false

	// A caller-pinned data query runs before the model sees the transcript,
	// so its result is on the record even if the model never asks. It spends
	// one unit of the tool budget.
	if p.req.EnableDataAccess && p.req.DataQuery != "" {
		pinned := &llm.ToolCall{Tool: llm.QueryToolName}
		pinned.Arguments.Question = p.req.DataQuery
		pinned.Arguments.Source = p.req.DataSourceName
		o.runToolCall(ctx, p, pinned)
		p.iteration++
		p.report.Stages.Iterations = p.iteration
		forceFinal = p.iteration >= p.req.MaxIterations
	}

	for {
		if ctx.Err() != nil {
			return o.deadlineExceeded(p)
		}

		completion, err := o.provider.Complete(ctx, &llm.Request{
			Model:      p.req.Model,
			Messages:   p.messages,
			EnableTool: p.req.EnableDataAccess && !forceFinal,
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.deadlineExceeded(p)
			}
			o.log.Warn("provider call failed", zap.String("request_id", p.req.RequestID), zap.Error(err))
			p.escalated = true
			p.report.Findings = append(p.report.Findings, detect.Finding{
				Subtype:    "llm_unavailable",
				Confidence: 1.0,
				Severity:   detect.SeverityLow,
				DetectorID: "orchestrator",
			})
			return o.refuse(p, refusalUnavailable, false, false)
		}

		if completion.ToolCall == nil || forceFinal {
			return o.scanOutput(ctx, p, completion.Text)
		}

		o.runToolCall(ctx, p, completion.ToolCall)
		p.iteration++
		p.report.Stages.Iterations = p.iteration
		if p.iteration >= p.req.MaxIterations {
			p.messages = append(p.messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "The data tool budget is exhausted. Answer now using only the information already retrieved.",
			})
			p.report.Findings = append(p.report.Findings, detect.Finding{
				Subtype:    "tool_budget_exhausted",
				Confidence: 1.0,
				Severity:   detect.SeverityMedium,
				DetectorID: "orchestrator",
			})
			p.escalated = true
			forceFinal = true
		}
	}
}

// scanInput analyzes the last user message. A block terminates the request
// before any provider call; a sanitize rewrites the message in place.
func (o *Orchestrator) scanInput(ctx context.Context, p *pipeline) *Result {
	idx := lastUserMessage(p.messages)
	if idx < 0 || !p.req.EnableRiskDetection {
		return nil
	}

	assessment := o.agent.Analyze(ctx, &risk.Request{
		Text:         p.messages[idx].Content,
		Phase:        detect.PhaseInput,
		RequestID:    p.req.RequestID,
		Mode:         p.req.Mode,
		MaxRiskScore: p.req.MaxRiskScore,
	})
	p.report.InputAssessment = assessment

	if assessment.Blocked() {
		return o.refuse(p, refusalBlockedInput, true, false)
	}
	if assessment.Sanitized() && p.req.SanitizeInput {
		p.messages[idx].Content = assessment.SanitizedText
		p.sanitized = true
	}
	if assessment.Escalated() {
		p.escalated = true
	}
	return nil
}

// runToolCall plans and executes one query tool call, appending the outcome
// to the transcript as a tool message.
func (o *Orchestrator) runToolCall(ctx context.Context, p *pipeline, call *llm.ToolCall) {
	sourceName := call.Arguments.Source
	if sourceName == "" {
		sourceName = p.req.DataSourceName
	}
	entry := ToolTraceEntry{
		Iteration: p.iteration + 1,
		Source:    sourceName,
		Question:  call.Arguments.Question,
	}

	cfg, ok := o.data.Get(sourceName)
	if !ok {
		entry.Failure = "source_unknown"
		o.appendToolMessage(p, entry, fmt.Sprintf("tool error: source %q is not registered", sourceName))
		return
	}

	plan, err := o.generator.Plan(ctx, call.Arguments.Question, sourceName, cfg.Schema, cfg.Permissions())
	if err != nil {
		entry.Failure = "query_plan_error"
		o.appendToolMessage(p, entry, "tool error: could not plan a query for this question")
		return
	}
	entry.PlanSummary = plan.Rationale
	entry.PlanRisk = plan.EstimatedRisk

	if !plan.Executable(o.data.PlanRiskGate()) {
		entry.Failure = "query_plan_unsafe"
		o.appendToolMessage(p, entry, fmt.Sprintf(
			"tool error: the planned query was rejected (risk %.1f, violations %v); ask a narrower question",
			plan.EstimatedRisk, plan.Violations))
		return
	}

	result, err := o.data.Run(ctx, plan, p.req.RequestID, p.req.Mode)
	if err != nil {
		entry.Failure = "source_unavailable"
		o.appendToolMessage(p, entry, "tool error: the data source could not be queried")
		return
	}

	entry.ElapsedMS = result.ElapsedMS
	entry.Rows = result.RowCount
	if result.Assessment != nil {
		entry.ResultLevel = string(result.Assessment.Level)
		p.report.DataAssessments = append(p.report.DataAssessments, result.Assessment)
	}
	if len(result.Findings) > 0 {
		p.report.Findings = append(p.report.Findings, result.Findings...)
	}
	if result.Sanitized {
		p.sanitized = true
	}

	if !result.IsSafe {
		entry.Failure = result.FailureReason
		o.appendToolMessage(p, entry, "tool error: "+result.FailureReason)
		return
	}

	p.grounding = append(p.grounding, result.GroundingRecords()...)
	o.appendToolMessage(p, entry, renderResult(result))
}

func (o *Orchestrator) appendToolMessage(p *pipeline, entry ToolTraceEntry, content string) {
	p.report.ToolTrace = append(p.report.ToolTrace, entry)
	p.messages = append(p.messages, llm.Message{Role: llm.RoleTool, Content: content})
}

// scanOutput analyzes the model's final text against the accumulated
// grounding and produces the terminal result.
func (o *Orchestrator) scanOutput(ctx context.Context, p *pipeline, text string) *Result {
	answer := text
	if p.req.EnableRiskDetection {
		assessment := o.agent.Analyze(ctx, &risk.Request{
			Text:         text,
			Phase:        detect.PhaseOutput,
			Grounding:    p.grounding,
			RequestID:    p.req.RequestID,
			Mode:         p.req.Mode,
			MaxRiskScore: p.req.MaxRiskScore,
		})
		p.report.OutputAssessment = assessment

		if assessment.Blocked() {
			return o.refuse(p, refusalBlockedOutput, false, true)
		}
		if assessment.Sanitized() && p.req.SanitizeOutput {
			answer = assessment.SanitizedText
			p.sanitized = true
		}
		if assessment.Escalated() {
			p.escalated = true
		}
	}

	p.report.finalize(false, p.escalated, p.sanitized)
	return &Result{Answer: answer}
}

func (o *Orchestrator) deadlineExceeded(p *pipeline) *Result {
	p.report.Findings = append(p.report.Findings, detect.Finding{
		Subtype:    "deadline_exceeded",
		Confidence: 1.0,
		Severity:   detect.SeverityMedium,
		DetectorID: "orchestrator",
	})
	p.escalated = true
	return o.refuse(p, refusalUnavailable, false, false)
}

func (o *Orchestrator) refuse(p *pipeline, message string, blockedInput, blockedOutput bool) *Result {
	p.report.finalize(blockedInput || blockedOutput, p.escalated, p.sanitized)
	return &Result{
		Answer:        message,
		Refused:       true,
		BlockedInput:  blockedInput,
		BlockedOutput: blockedOutput,
	}
}

func lastUserMessage(messages []llm.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return i
		}
	}
	return -1
}

// renderResult serializes a safe query result for the model.
func renderResult(result *connector.QueryResult) string {
	payload := struct {
		Columns   []string   `json:"columns"`
		Rows      [][]string `json:"rows"`
		RowCount  int        `json:"row_count"`
		Truncated bool       `json:"truncated,omitempty"`
	}{result.Columns, result.Rows, result.RowCount, result.Truncated}
	b, err := json.Marshal(payload)
	if err != nil {
		return "tool error: result could not be serialized"
	}
	var sb strings.Builder
	sb.WriteString("query result: ")
	sb.Write(b)
	return sb.String()
}
