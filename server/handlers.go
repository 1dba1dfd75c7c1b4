package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := session.Serve(w, r, s.sessionDeps()); err != nil {
		s.logger.Warn("server: websocket upgrade failed", "error", err)
	}
}

type wakeRequest struct {
	ModelID         string `json:"model_id"`
	PreviousModelID string `json:"previous_model_id,omitempty"`
}

type wakeResponse struct {
	Success bool   `json:"success"`
	Model   string `json:"model"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model_id is required")
		return
	}
	if req.PreviousModelID != "" {
		if err := s.client.Unload(r.Context(), req.PreviousModelID, s.apiBaseFor(req.PreviousModelID)); err != nil {
			s.logger.Warn("server: unload previous model failed", "model", req.PreviousModelID, "error", err)
		}
	}
	warmReq := core.LLMRequest{Model: req.ModelID, InputText: "hi"}
	chunks, err := s.client.CompleteStream(r.Context(), warmReq)
	if err == nil {
		for range chunks {
		}
	}
	writeJSON(w, http.StatusOK, wakeResponse{Success: err == nil, Model: req.ModelID})
}

type unloadRequest struct {
	ModelID string `json:"model_id"`
}

type unloadResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req unloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model_id is required")
		return
	}
	err := s.client.Unload(r.Context(), req.ModelID, s.apiBaseFor(req.ModelID))
	writeJSON(w, http.StatusOK, unloadResponse{Success: err == nil})
}

func (s *Server) apiBaseFor(modelID string) string {
	for _, m := range s.modelsList() {
		if m.ID == modelID {
			return m.APIBase
		}
	}
	return ""
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListPipelines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type savePipelineRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Nodes       []core.NodeConfig `json:"nodes"`
	Edges       []core.EdgeDef    `json:"edges"`
}

type savePipelineResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

func (s *Server) handleSavePipeline(w http.ResponseWriter, r *http.Request) {
	var req savePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	cfg := core.PipelineConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
	}
	if diags := cfg.Validate(); core.HasErrors(diags) {
		writeError(w, http.StatusBadRequest, "invalid_pipeline", diags[0].Message)
		return
	}
	if err := s.store.SavePipeline(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.configsMu.Lock()
	s.configs[cfg.ID] = session.PipelineInfo{ID: cfg.ID, Name: cfg.Name, Description: cfg.Description}
	s.configsMu.Unlock()
	writeJSON(w, http.StatusOK, savePipelineResponse{Success: true, ID: cfg.ID})
}

type deletePipelineRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	var req deletePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.store.DeletePipeline(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.configsMu.Lock()
	delete(s.configs, req.ID)
	s.configsMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	q := core.TraceQuery{
		PipelineID: r.URL.Query().Get("pipeline_id"),
		Status:     r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
			q.LimitSet = true
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Offset = n
		}
	}
	traces, err := s.store.ListTraces(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trace, err := s.store.GetTrace(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	spans, err := s.store.GetSpans(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": trace, "spans": spans})
}

func (s *Server) handleDeleteTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteTrace(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetMetricsSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
