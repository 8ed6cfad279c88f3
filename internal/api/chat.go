package api

import (
	"net/http"
	"sort"

	"github.com/google/uuid"

	"github.com/aegis-ai/aegis/internal/detect"
	"github.com/aegis-ai/aegis/internal/llm"
	"github.com/aegis-ai/aegis/internal/orchestrator"
	"github.com/aegis-ai/aegis/internal/risk"
)

// handleChatCompletion implements POST /v1/chat/completions. Allowed and
// sanitized results return 200, blocked input 400, blocked output 422; the
// blocked bodies carry a canned safe message, never original text.
func (d *Dependencies) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "messages is required"})
		return
	}

	model := req.Model
	if model == "" {
		model = d.DefaultModel
	}
	mode := d.DefaultMode
	if req.ProcessingMode != "" {
		mode = risk.ParseMode(req.ProcessingMode)
	}

	result, err := d.Pipeline.Handle(r.Context(), &orchestrator.Request{
		RequestID:           uuid.NewString(),
		Model:               model,
		Messages:            req.Messages,
		Mode:                mode,
		MaxRiskScore:        req.MaxRiskScore,
		EnableRiskDetection: boolOrDefault(req.EnableRiskDetection, true),
		SanitizeInput:       boolOrDefault(req.SanitizeInput, true),
		SanitizeOutput:      boolOrDefault(req.SanitizeOutput, true),
		EnableDataAccess:    req.EnableDataAccess,
		DataSourceName:      req.DataSourceName,
		DataQuery:           req.DataQuery,
		Budget:              d.Budget,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	status := http.StatusOK
	finishReason := "stop"
	switch {
	case result.BlockedInput:
		status = http.StatusBadRequest
		finishReason = "content_filter"
	case result.BlockedOutput:
		status = http.StatusUnprocessableEntity
		finishReason = "content_filter"
	case result.Refused:
		finishReason = "content_filter"
	}

	writeJSON(w, status, ChatResponse{
		ID:     "chatcmpl-" + result.Report.RequestID,
		Object: "chat.completion",
		Model:  model,
		Choices: []ChatChoice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: result.Answer},
			FinishReason: finishReason,
		}},
		RiskMetadata: riskMetadata(result.Report),
	})
}

func riskMetadata(report *orchestrator.Report) RiskMetadata {
	md := RiskMetadata{
		RequestID:        report.RequestID,
		OverallRiskScore: report.OverallScore,
		RiskLevel:        string(report.Level),
		Action:           report.Action,
		FindingsSummary:  map[string]int{},
	}

	mitigations := map[string]bool{}
	collect := func(a *risk.Assessment) {
		if a == nil {
			return
		}
		for _, m := range a.Mitigations {
			mitigations[m] = true
		}
		for _, f := range a.Findings {
			md.FindingsSummary[f.Kind.String()]++
		}
	}
	collect(report.InputAssessment)
	collect(report.OutputAssessment)
	for _, a := range report.DataAssessments {
		collect(a)
	}
	for _, f := range report.Findings {
		key := f.Kind.String()
		if f.Kind == detect.KindUnspecified {
			key = f.Subtype
		}
		md.FindingsSummary[key]++
	}
	for m := range mitigations {
		md.MitigationApplied = append(md.MitigationApplied, m)
	}
	sort.Strings(md.MitigationApplied)

	if report.OutputAssessment != nil && report.OutputAssessment.HasGrounding {
		md.Hallucination = &HallucinationResp{
			Score:           report.HallucinationScore,
			FactualAccuracy: report.FactualAccuracy,
		}
	}
	return md
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
