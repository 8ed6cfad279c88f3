package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/aegis-ai/aegis/internal/connector"
)

// handleUpsertSource implements POST /api/sources. The adapter is rebuilt
// from the declaration; credentials resolve from the handle, never from the
// request body.
func (d *Dependencies) handleUpsertSource(w http.ResponseWriter, r *http.Request) {
	var req SourceReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	cfg := req.toConfig()
	if err := cfg.Normalize(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	adapter, err := connector.NewAdapter(cfg, d.resolveCredential(cfg.CredentialsRef))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if err := d.Sources.Register(cfg, adapter); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	d.Logger.Info("data source registered",
		zap.String("name", cfg.Name),
		zap.String("kind", string(cfg.Kind)),
	)
	writeJSON(w, http.StatusOK, sourceResp(cfg))
}

// handleListSources implements GET /api/sources.
func (d *Dependencies) handleListSources(w http.ResponseWriter, r *http.Request) {
	configs := d.Sources.List()
	resp := make([]SourceResp, 0, len(configs))
	for _, cfg := range configs {
		resp = append(resp, sourceResp(cfg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSource implements GET /api/sources/{name}.
func (d *Dependencies) handleGetSource(w http.ResponseWriter, r *http.Request) {
	cfg, ok := d.Sources.Get(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "source not found"})
		return
	}
	writeJSON(w, http.StatusOK, sourceResp(cfg))
}

// handleSourceStatus implements GET /api/sources/{name}/status.
func (d *Dependencies) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := d.Sources.Status(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "source not found"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}
