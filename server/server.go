// Package server implements the process-wide Server State spec.md §4.7
// describes and the HTTP/WebSocket surface of §6.2: a models list (cloud
// defaults plus discovered local models), a preset registry loaded from
// disk, a user-config cache mirrored with the trace store's database, the
// trace store itself, and the pipeline engine. The worker registry is the
// process-wide workerreg.Global(), not a Server field.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/engine"
	"github.com/pipelex/pipelex/provider"
	"github.com/pipelex/pipelex/session"
	"github.com/pipelex/pipelex/tracestore"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store            *tracestore.Store
	Engine           *engine.Engine
	Client           *provider.Unified
	PresetsDir       string
	DefaultModel     string
	DiscoveryHostURL string
	CORSOrigin       string
	MaxBody          int64
	Logger           *slog.Logger
}

// Server holds the process-wide shared state spec.md §4.7 names, each
// field guarded the way §5 prescribes: the models list and configs cache
// behind their own reader-writer locks, the trace store behind its own
// single mutex (tracestore.Store.writeMu), mutated only on save/delete.
type Server struct {
	store  *tracestore.Store
	engine *engine.Engine
	client *provider.Unified

	modelsMu sync.RWMutex
	models   []core.ModelConfig

	presets map[string]core.PipelineConfig // read-only after startup; no lock needed

	configsMu sync.RWMutex
	configs   map[string]tracestore.PipelineInfo

	defaultModel     string
	discoveryHostURL string
	corsOrigin       string
	maxBody          int64
	logger           *slog.Logger
}

// NewServer creates a Server and loads its preset registry from disk. It
// does not yet populate the models list or configs cache — call Init for
// that, since both require I/O the caller may want to control the timing
// and context of.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	presets, err := loadPresets(cfg.PresetsDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:            cfg.Store,
		engine:           cfg.Engine,
		client:           cfg.Client,
		presets:          presets,
		configs:          make(map[string]tracestore.PipelineInfo),
		defaultModel:     cfg.DefaultModel,
		discoveryHostURL: cfg.DiscoveryHostURL,
		corsOrigin:       corsOrigin,
		maxBody:          maxBody,
		logger:           logger,
	}, nil
}

// Init runs the server's startup lifecycle (spec.md §4.7's "init lifecycle
// at startup"): seeds user_pipelines from the examples file if empty,
// loads the configs cache from the database, and starts the background
// model-discovery poll. It returns once the synchronous steps finish;
// discovery keeps running until ctx is cancelled.
func (s *Server) Init(ctx context.Context, examplesSeedFile string) error {
	examples, err := loadExamplesSeed(examplesSeedFile)
	if err != nil {
		return err
	}
	if err := s.store.SeedFromExamples(ctx, examples); err != nil {
		return err
	}
	configs, err := s.store.ListPipelines(ctx)
	if err != nil {
		return err
	}
	s.configsMu.Lock()
	for _, c := range configs {
		s.configs[c.ID] = c
	}
	s.configsMu.Unlock()

	s.startDiscovery(ctx)
	return nil
}

func (s *Server) modelsList() []core.ModelConfig {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()
	out := make([]core.ModelConfig, len(s.models))
	copy(out, s.models)
	return out
}

func (s *Server) presetInfos() []tracestore.PipelineInfo {
	return presetInfos(s.presets)
}

func (s *Server) resolvePreset(id string) (core.PipelineConfig, bool) {
	cfg, ok := s.presets[id]
	return cfg, ok
}

func (s *Server) configInfos() []tracestore.PipelineInfo {
	s.configsMu.RLock()
	defer s.configsMu.RUnlock()
	out := make([]tracestore.PipelineInfo, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out
}

func (s *Server) resolveConfig(id string) (core.PipelineConfig, bool) {
	s.configsMu.RLock()
	_, ok := s.configs[id]
	s.configsMu.RUnlock()
	if !ok {
		return core.PipelineConfig{}, false
	}
	cfg, err := s.store.GetPipeline(context.Background(), id)
	if err != nil {
		return core.PipelineConfig{}, false
	}
	return cfg, true
}

// sessionDeps adapts Server's state into the session package's narrower
// Deps contract.
func (s *Server) sessionDeps() session.Deps {
	return session.Deps{
		Models:        s.modelsList,
		Presets:       s.presetInfos,
		ResolvePreset: s.resolvePreset,
		Configs:       s.configInfos,
		ResolveConfig: s.resolveConfig,
		DefaultModel:  s.defaultModel,
		Client:        s.client,
		Engine:        s.engine,
		Store:         s.store,
		Logger:        s.logger,
	}
}

// Handler returns an http.Handler with every route and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts every endpoint spec.md §6.2 lists.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /wake", s.handleWake)
	mux.HandleFunc("POST /unload", s.handleUnload)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines", s.handleSavePipeline)
	mux.HandleFunc("DELETE /api/pipelines", s.handleDeletePipeline)

	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("DELETE /api/traces/{id}", s.handleDeleteTrace)

	mux.HandleFunc("GET /api/metrics/summary", s.handleMetricsSummary)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}
