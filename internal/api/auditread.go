package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-ai/aegis/internal/audit"
)

// AuditRecordResp is one audit row for the read surface.
type AuditRecordResp struct {
	RequestID          string    `json:"request_id"`
	Timestamp          time.Time `json:"timestamp"`
	Action             string    `json:"action"`
	OverallRiskScore   float64   `json:"overall_risk_score"`
	RiskLevel          string    `json:"risk_level"`
	Iterations         uint32    `json:"iterations"`
	ToolTrace          string    `json:"tool_trace"`
	HallucinationScore float64   `json:"hallucination_score"`
	FactualAccuracy    float64   `json:"factual_accuracy"`
	Model              string    `json:"model"`
	Mode               string    `json:"mode"`
	DurationMS         float64   `json:"duration_ms"`
}

// AuditListResp is the paginated listing.
type AuditListResp struct {
	Records  []AuditRecordResp `json:"records"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

func auditRecordResp(rec audit.RecordRow) AuditRecordResp {
	return AuditRecordResp{
		RequestID:          rec.RequestID,
		Timestamp:          rec.Timestamp,
		Action:             rec.Action,
		OverallRiskScore:   rec.OverallRiskScore,
		RiskLevel:          rec.RiskLevel,
		Iterations:         rec.Iterations,
		ToolTrace:          rec.ToolTrace,
		HallucinationScore: rec.HallucinationScore,
		FactualAccuracy:    rec.FactualAccuracy,
		Model:              rec.Model,
		Mode:               rec.Mode,
		DurationMS:         rec.DurationMS,
	}
}

// handleListAuditRecords implements GET /api/audit/records.
func (d *Dependencies) handleListAuditRecords(w http.ResponseWriter, r *http.Request) {
	if d.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "audit reader not configured"})
		return
	}

	q := r.URL.Query()
	params := audit.ListParams{Page: 1, PageSize: 50}
	if v := q.Get("action"); v != "" {
		params.Action = &v
	}
	if v := q.Get("mode"); v != "" {
		params.Mode = &v
	}
	if v := q.Get("min_score"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params.MinScore = &f
		}
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Page = n
		}
	}
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			params.PageSize = n
		}
	}

	records, total, err := d.Audit.ListRecords(r.Context(), params)
	if err != nil {
		d.Logger.Error("audit list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "audit query failed"})
		return
	}

	resp := AuditListResp{
		Records:  make([]AuditRecordResp, 0, len(records)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, auditRecordResp(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetAuditRecord implements GET /api/audit/records/{request_id}.
func (d *Dependencies) handleGetAuditRecord(w http.ResponseWriter, r *http.Request) {
	if d.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "audit reader not configured"})
		return
	}

	rec, err := d.Audit.GetRecord(r.Context(), r.PathValue("request_id"))
	if err != nil || rec == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, auditRecordResp(*rec))
}

// handleAuditSummary implements GET /api/audit/summary.
func (d *Dependencies) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if d.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "audit reader not configured"})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			since = time.Now().Add(-time.Duration(n) * time.Hour)
		}
	}

	counts, err := d.Audit.Summary(r.Context(), since)
	if err != nil {
		d.Logger.Error("audit summary failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
