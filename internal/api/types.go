package api

import (
	"github.com/aegis-ai/aegis/internal/connector"
	"github.com/aegis-ai/aegis/internal/llm"
	"github.com/aegis-ai/aegis/internal/queryplan"
)

// --- POST /v1/chat/completions ---

// ChatRequest is the JSON body for the chat completion endpoint. Risk
// detection and both sanitize passes default to on.
type ChatRequest struct {
	Model               string        `json:"model,omitempty"`
	Messages            []llm.Message `json:"messages"`
	EnableRiskDetection *bool         `json:"enable_risk_detection,omitempty"`
	ProcessingMode      string        `json:"processing_mode,omitempty"`
	MaxRiskScore        float64       `json:"max_risk_score,omitempty"`
	SanitizeInput       *bool         `json:"sanitize_input,omitempty"`
	SanitizeOutput      *bool         `json:"sanitize_output,omitempty"`
	EnableDataAccess    bool          `json:"enable_data_access,omitempty"`
	DataSourceName      string        `json:"data_source_name,omitempty"`
	DataQuery           string        `json:"data_query,omitempty"`
}

// ChatChoice is one completion choice, OpenAI shape.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the chat completion response plus risk metadata.
type ChatResponse struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	Model        string       `json:"model"`
	Choices      []ChatChoice `json:"choices"`
	RiskMetadata RiskMetadata `json:"risk_metadata"`
}

// FindingResp is one finding without the matched value.
type FindingResp struct {
	Kind       string  `json:"kind"`
	Subtype    string  `json:"subtype"`
	SpanStart  int     `json:"span_start"`
	SpanEnd    int     `json:"span_end"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// HallucinationResp carries the grounding verdict for the output scan.
type HallucinationResp struct {
	Score           float64 `json:"score"`
	FactualAccuracy float64 `json:"factual_accuracy"`
}

// RiskMetadata summarizes the pipeline report for the caller.
type RiskMetadata struct {
	RequestID         string             `json:"request_id"`
	OverallRiskScore  float64            `json:"overall_risk_score"`
	RiskLevel         string             `json:"risk_level"`
	Action            string             `json:"action"`
	MitigationApplied []string           `json:"mitigation_applied"`
	FindingsSummary   map[string]int     `json:"findings_summary"`
	Hallucination     *HallucinationResp `json:"hallucination,omitempty"`
}

// --- POST /v1/risk/analyze ---

// AnalyzeRequest is the JSON body for direct risk analysis.
type AnalyzeRequest struct {
	Text              string  `json:"text"`
	ProcessingMode    string  `json:"processing_mode,omitempty"`
	MaxRiskScore      float64 `json:"max_risk_score,omitempty"`
	IncludeSanitized  bool    `json:"include_sanitized,omitempty"`
	IncludeDetections bool    `json:"include_detections,omitempty"`
}

// AnalyzeResponse is the serialized assessment. Matched values are never
// included.
type AnalyzeResponse struct {
	OverallRiskScore float64       `json:"overall_risk_score"`
	RiskLevel        string        `json:"risk_level"`
	Mitigations      []string      `json:"mitigations"`
	Fingerprint      string        `json:"fingerprint"`
	SanitizedText    string        `json:"sanitized_text,omitempty"`
	Findings         []FindingResp `json:"findings,omitempty"`
}

// --- Data-source administration ---

// ColumnReq mirrors one schema column.
type ColumnReq struct {
	Name      string `json:"name"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// TableReq mirrors one schema table.
type TableReq struct {
	Name       string      `json:"name"`
	Columns    []ColumnReq `json:"columns"`
	Key        string      `json:"key,omitempty"`
	TimeColumn string      `json:"time_column,omitempty"`
	Large      bool        `json:"large,omitempty"`
}

// SourceReq is the JSON body for upserting a data source. Credentials are
// referenced by handle only; the handle resolves from the environment.
type SourceReq struct {
	Name            string     `json:"name"`
	Kind            string     `json:"kind"`
	Endpoint        string     `json:"endpoint"`
	CredentialsRef  string     `json:"credentials_ref,omitempty"`
	AllowTables     []string   `json:"allow_tables,omitempty"`
	DenyTables      []string   `json:"deny_tables,omitempty"`
	MaxRows         int        `json:"max_rows,omitempty"`
	MaxQueryMS      int        `json:"max_query_ms,omitempty"`
	MaxConnections  int        `json:"max_connections,omitempty"`
	SanitizeResults bool       `json:"sanitize_results"`
	RiskScanResults bool       `json:"risk_scan_results"`
	Tables          []TableReq `json:"tables,omitempty"`
}

func (s *SourceReq) toConfig() connector.DataSourceConfig {
	cfg := connector.DataSourceConfig{
		Name:            s.Name,
		Kind:            connector.SourceKind(s.Kind),
		Endpoint:        s.Endpoint,
		CredentialsRef:  s.CredentialsRef,
		AllowTables:     s.AllowTables,
		DenyTables:      s.DenyTables,
		MaxRows:         s.MaxRows,
		MaxQueryMS:      s.MaxQueryMS,
		MaxConnections:  s.MaxConnections,
		SanitizeResults: s.SanitizeResults,
		RiskScanResults: s.RiskScanResults,
	}
	for _, t := range s.Tables {
		table := queryplan.Table{
			Name:       t.Name,
			Key:        t.Key,
			TimeColumn: t.TimeColumn,
			Large:      t.Large,
		}
		for _, c := range t.Columns {
			table.Columns = append(table.Columns, queryplan.Column{Name: c.Name, Sensitive: c.Sensitive})
		}
		cfg.Schema.Tables = append(cfg.Schema.Tables, table)
	}
	return cfg
}

// SourceResp describes one registered source. Credential material is never
// returned; the handle is.
type SourceResp struct {
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	Endpoint        string   `json:"endpoint"`
	CredentialsRef  string   `json:"credentials_ref,omitempty"`
	AllowTables     []string `json:"allow_tables,omitempty"`
	DenyTables      []string `json:"deny_tables,omitempty"`
	MaxRows         int      `json:"max_rows"`
	MaxQueryMS      int      `json:"max_query_ms"`
	MaxConnections  int      `json:"max_connections"`
	SanitizeResults bool     `json:"sanitize_results"`
	RiskScanResults bool     `json:"risk_scan_results"`
	Tables          int      `json:"tables"`
}

func sourceResp(cfg connector.DataSourceConfig) SourceResp {
	return SourceResp{
		Name:            cfg.Name,
		Kind:            string(cfg.Kind),
		Endpoint:        cfg.Endpoint,
		CredentialsRef:  cfg.CredentialsRef,
		AllowTables:     cfg.AllowTables,
		DenyTables:      cfg.DenyTables,
		MaxRows:         cfg.MaxRows,
		MaxQueryMS:      cfg.MaxQueryMS,
		MaxConnections:  cfg.MaxConnections,
		SanitizeResults: cfg.SanitizeResults,
		RiskScanResults: cfg.RiskScanResults,
		Tables:          len(cfg.Schema.Tables),
	}
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
