package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-ai/aegis/internal/audit"
	"github.com/aegis-ai/aegis/internal/connector"
	"github.com/aegis-ai/aegis/internal/orchestrator"
	"github.com/aegis-ai/aegis/internal/risk"
)

// Pipeline is the slice of the orchestrator the handlers use.
type Pipeline interface {
	Handle(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
}

// Analyzer is the slice of the risk agent the handlers use.
type Analyzer interface {
	Analyze(ctx context.Context, req *risk.Request) *risk.Assessment
}

// SourceRegistry is the slice of the connector the admin surface uses.
type SourceRegistry interface {
	Register(cfg connector.DataSourceConfig, adapter connector.Adapter) error
	Get(name string) (connector.DataSourceConfig, bool)
	List() []connector.DataSourceConfig
	Status(name string) (connector.SourceStatus, bool)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Pipeline Pipeline
	Agent    Analyzer
	Sources  SourceRegistry
	Logger   *zap.Logger

	// Audit is the read surface over the audit log; nil when ClickHouse is
	// not configured.
	Audit *audit.Reader

	// APIKeys authorizes the chat and analyze endpoints. Empty disables auth
	// (local development).
	APIKeys []string

	DefaultModel string
	DefaultMode  risk.Mode

	// Budget bounds each request end to end. Zero uses the orchestrator
	// default.
	Budget time.Duration

	// ResolveCredential maps a credentials_ref handle to its material.
	// Defaults to os.Getenv.
	ResolveCredential func(handle string) string
}

func (d *Dependencies) resolveCredential(handle string) string {
	if handle == "" {
		return ""
	}
	if d.ResolveCredential != nil {
		return d.ResolveCredential(handle)
	}
	return os.Getenv(handle)
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Gateway endpoints (auth required via Bearer token)
	mux.HandleFunc("POST /v1/chat/completions", deps.authMiddleware(deps.handleChatCompletion))
	mux.HandleFunc("POST /v1/risk/analyze", deps.authMiddleware(deps.handleAnalyze))

	// Data-source administration (no auth — admin surface is network-scoped)
	mux.HandleFunc("POST /api/sources", deps.handleUpsertSource)
	mux.HandleFunc("GET /api/sources", deps.handleListSources)
	mux.HandleFunc("GET /api/sources/{name}", deps.handleGetSource)
	mux.HandleFunc("GET /api/sources/{name}/status", deps.handleSourceStatus)

	// Effective risk defaults, read-only
	mux.HandleFunc("GET /v1/risk/settings", deps.handleRiskSettings)

	// Audit read surface
	mux.HandleFunc("GET /api/audit/records", deps.handleListAuditRecords)
	mux.HandleFunc("GET /api/audit/records/{request_id}", deps.handleGetAuditRecord)
	mux.HandleFunc("GET /api/audit/summary", deps.handleAuditSummary)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
