package api

import (
	"net/http"

	"github.com/aegis-ai/aegis/internal/detect"
	"github.com/aegis-ai/aegis/internal/risk"
)

// handleAnalyze implements POST /v1/risk/analyze: one-shot analysis of a
// text without touching the LLM or any data source.
func (d *Dependencies) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "text is required"})
		return
	}

	mode := d.DefaultMode
	if req.ProcessingMode != "" {
		mode = risk.ParseMode(req.ProcessingMode)
	}

	assessment := d.Agent.Analyze(r.Context(), &risk.Request{
		Text:         req.Text,
		Phase:        detect.PhaseInput,
		Mode:         mode,
		MaxRiskScore: req.MaxRiskScore,
	})

	resp := AnalyzeResponse{
		OverallRiskScore: assessment.OverallScore,
		RiskLevel:        string(assessment.Level),
		Mitigations:      assessment.Mitigations,
		Fingerprint:      assessment.Fingerprint,
	}
	if req.IncludeSanitized && !assessment.Blocked() {
		resp.SanitizedText = assessment.SanitizedText
	}
	if req.IncludeDetections {
		for _, f := range assessment.Findings {
			resp.Findings = append(resp.Findings, FindingResp{
				Kind:       f.Kind.String(),
				Subtype:    f.Subtype,
				SpanStart:  f.Span.Start,
				SpanEnd:    f.Span.End,
				Severity:   f.Severity.String(),
				Confidence: f.Confidence,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RiskSettingsResp is the effective configuration for a mode.
type RiskSettingsResp struct {
	Mode                    string  `json:"mode"`
	PIIConfidenceThreshold  float64 `json:"pii_confidence_threshold"`
	BiasConfidenceThreshold float64 `json:"bias_confidence_threshold"`
	MaxRiskScore            float64 `json:"max_risk_score"`
	SanitizeThreshold       string  `json:"sanitize_threshold"`
	DetectorTimeoutMS       int64   `json:"detector_timeout_ms"`
}

// handleRiskSettings implements GET /v1/risk/settings: the effective
// defaults for the requested (or default) mode.
func (d *Dependencies) handleRiskSettings(w http.ResponseWriter, r *http.Request) {
	mode := d.DefaultMode
	if v := r.URL.Query().Get("processing_mode"); v != "" {
		mode = risk.ParseMode(v)
	}
	cfg := risk.ConfigForMode(mode)
	writeJSON(w, http.StatusOK, RiskSettingsResp{
		Mode:                    string(cfg.Mode),
		PIIConfidenceThreshold:  cfg.PIIConfidenceThreshold,
		BiasConfidenceThreshold: cfg.BiasConfidenceThreshold,
		MaxRiskScore:            cfg.MaxRiskScore,
		SanitizeThreshold:       cfg.SanitizeThreshold.String(),
		DetectorTimeoutMS:       cfg.DetectorTimeout.Milliseconds(),
	})
}
