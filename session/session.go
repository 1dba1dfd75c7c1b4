package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/engine"
	"github.com/pipelex/pipelex/metrics"
	"github.com/pipelex/pipelex/provider"
	"github.com/pipelex/pipelex/resolver"
	"github.com/pipelex/pipelex/tracestore"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
)

// state is the session's own little state machine: pending_init -> active
// -> closed. model_changing has no state value of its own: a wake or unload
// request is handled synchronously inside active, bracketed by its
// model_status frames (spec.md §4.6 describes it as "transient within
// active", not a fully independent state).
type state int

const (
	statePendingInit state = iota
	stateActive
	stateClosed
)

// Upgrader mirrors the permissive CORS-equivalent CheckOrigin the teacher's
// ws_control_plane.go uses for a browser-facing control-plane socket.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Deps are the shared, process-wide dependencies a Session needs to answer
// requests: spec.md §4.7's Server State, scoped down to what the protocol
// handler touches.
type Deps struct {
	Models       func() []core.ModelConfig
	Presets      func() []PipelineInfo
	ResolvePreset func(id string) (core.PipelineConfig, bool)
	Configs      func() []PipelineInfo
	ResolveConfig func(id string) (core.PipelineConfig, bool)
	DefaultModel string
	Client       *provider.Unified
	Engine       *engine.Engine
	Store        *tracestore.Store
	Logger       *slog.Logger
}

// Session is one WebSocket connection's protocol state.
type Session struct {
	conn   *websocket.Conn
	deps   Deps
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state state
}

// Serve upgrades r into a WebSocket connection and runs its session loop
// until the connection closes. It blocks until the session ends.
func Serve(w http.ResponseWriter, r *http.Request, deps Deps) error {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(r.Context())
	s := &Session{
		conn:   conn,
		deps:   deps,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		state:  statePendingInit,
	}
	s.run()
	return nil
}

func (s *Session) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) close() {
	s.cancel()
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	close(s.send)
	_ = s.conn.Close()
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Connection close: any in-flight stream this session was
			// writing to now observes a send failure and aborts, per
			// spec.md §4.6's cancellation rule (no explicit cancel frame).
			return
		}
		var frame InboundFrame
		if jsonErr := decodeInbound(data, &frame); jsonErr != nil {
			s.deps.Logger.Warn("session: malformed frame, skipping", "error", jsonErr)
			continue
		}
		s.handle(frame)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// emit enqueues an outbound frame. A full send channel drops the frame
// rather than blocking the read loop; a client that stops consuming
// is the terminal condition spec.md §5's backpressure note describes.
func (s *Session) emit(f OutboundFrame) {
	data, err := encodeFrame(f)
	if err != nil {
		s.deps.Logger.Error("session: encode frame failed", "error", err)
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

func (s *Session) handle(frame InboundFrame) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st == statePendingInit {
		if !frame.Init {
			return // pending_init ignores every non-init frame
		}
		s.emit(OutboundFrame{
			Models:  s.deps.Models(),
			Presets: s.deps.Presets(),
			Configs: s.deps.Configs(),
		})
		s.mu.Lock()
		s.state = stateActive
		s.mu.Unlock()
		return
	}

	switch {
	case frame.WakeModelID != "":
		s.handleWake(frame)
	case frame.UnloadModelID != "":
		s.handleUnload(frame)
	case frame.Message == nil:
		// message absent: ignored in the active state once past init.
	default:
		s.handleMessage(frame)
	}
}

func (s *Session) handleWake(frame InboundFrame) {
	s.emit(OutboundFrame{ModelStatus: modelStatusLoading})
	model := frame.WakeModelID
	req := core.LLMRequest{Model: model, InputText: "hi"}
	chunks, err := s.deps.Client.CompleteStream(s.ctx, req)
	if err == nil {
		for range chunks {
			// consume the throwaway warm-up stream fully, discarding output
		}
	} else {
		s.deps.Logger.Warn("session: warm up failed", "model", model, "error", err)
	}
	s.emit(OutboundFrame{ModelStatus: modelStatusReady})
}

func (s *Session) handleUnload(frame InboundFrame) {
	s.emit(OutboundFrame{ModelStatus: modelStatusUnloading})
	if err := s.deps.Client.Unload(s.ctx, frame.UnloadModelID, s.apiBaseFor(frame.UnloadModelID)); err != nil {
		s.deps.Logger.Warn("session: unload failed", "model", frame.UnloadModelID, "error", err)
	}
	s.emit(OutboundFrame{ModelStatus: modelStatusReady})
}

func (s *Session) handleMessage(frame InboundFrame) {
	message := *frame.Message

	model := s.resolveModelForVerbose(frame)
	verbose := frame.Verbose && s.apiBaseFor(model) != ""

	switch {
	case verbose:
		s.runDirectChat(frame, message, true)
	case frame.PipelineConfig != nil:
		s.runPipeline(frame, *frame.PipelineConfig, message)
	case frame.PipelineID != "":
		if cfg, ok := s.deps.ResolvePreset(frame.PipelineID); ok {
			s.runPipeline(frame, cfg, message)
			return
		}
		if cfg, ok := s.deps.ResolveConfig(frame.PipelineID); ok {
			s.runPipeline(frame, cfg, message)
			return
		}
		s.runDirectChat(frame, message, false)
	default:
		s.runDirectChat(frame, message, false)
	}
}

// resolveModelForVerbose picks the model id a direct-chat / verbose request
// addresses: the frame's model_id if present, else the default.
func (s *Session) resolveModelForVerbose(frame InboundFrame) string {
	if frame.ModelID != "" {
		return frame.ModelID
	}
	return s.deps.DefaultModel
}

// apiBaseFor looks up the api_base configured for a model id, used to
// decide whether a direct-chat request qualifies for the native Ollama
// verbose metrics path (spec.md §4.6 rule 1).
func (s *Session) apiBaseFor(modelID string) string {
	for _, m := range s.deps.Models() {
		if m.ID == modelID {
			return m.APIBase
		}
	}
	return ""
}

func (s *Session) runDirectChat(frame InboundFrame, message string, verbose bool) {
	start := time.Now()
	model := s.resolveModelForVerbose(frame)
	req := core.LLMRequest{
		Model:     model,
		Messages:  toLLMMessages(frame.History),
		InputText: message,
		Meta:      map[string]any{"verbose": verbose, "api_base": s.apiBaseFor(model)},
	}
	chunks, err := s.deps.Client.CompleteStream(s.ctx, req)
	if err != nil {
		s.emitFallback(start)
		return
	}
	var usage core.LLMTokenUsage
	var verboseMetrics *core.VerboseMetrics
	for chunk := range chunks {
		if chunk.Error != nil {
			s.deps.Logger.Warn("session: stream chunk error, skipping", "model", model, "error", chunk.Error)
			continue
		}
		if chunk.Delta != "" {
			s.emit(OutboundFrame{OnChatModelStream: chunk.Delta})
		}
		if chunk.Done {
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			verboseMetrics = chunk.Verbose
		}
	}
	metadata := &EndMetadata{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		ElapsedMS:    time.Since(start).Milliseconds(),
	}
	if verboseMetrics != nil {
		metadata.LoadDurationMS = &verboseMetrics.LoadDurationMS
		metadata.PromptEvalMS = &verboseMetrics.PromptEvalMS
		metadata.EvalMS = &verboseMetrics.EvalMS
		metadata.TokensPerSec = &verboseMetrics.TokensPerSecond
	}
	s.emit(OutboundFrame{
		OnChatModelEnd: true,
		Metadata:       metadata,
	})
}

func (s *Session) runPipeline(frame InboundFrame, cfg core.PipelineConfig, message string) {
	start := time.Now()
	tc := metrics.NewTracingCollector(s.ctx, s.deps.Store, s.deps.Logger, cfg.ID, cfg.Name, message)

	output, err := s.deps.Engine.Run(s.ctx, s.buildRunParams(cfg, frame, message, tc))
	if err != nil {
		tc.Error(s.ctx, fallbackMessage)
		s.emitFallback(start)
		return
	}
	tc.Success(s.ctx, output)
	s.emit(OutboundFrame{
		OnChatModelEnd: true,
		Metadata: &EndMetadata{
			ElapsedMS: time.Since(start).Milliseconds(),
		},
	})
}

const fallbackMessage = "Sorry, something went wrong processing that request."

func (s *Session) emitFallback(start time.Time) {
	s.emit(OutboundFrame{OnChatModelStream: fallbackMessage})
	s.emit(OutboundFrame{
		OnChatModelEnd: true,
		Metadata:       &EndMetadata{ElapsedMS: time.Since(start).Milliseconds()},
	})
}

func toLLMMessages(history []core.Message) []core.LLMMessage {
	out := make([]core.LLMMessage, 0, len(history))
	for _, m := range history {
		out = append(out, core.LLMMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (s *Session) buildRunParams(cfg core.PipelineConfig, frame InboundFrame, message string, tc *metrics.TracingCollector) engine.RunParams {
	return engine.RunParams{
		Pipeline: cfg,
		Client:   s.deps.Client,
		ModelOf:  resolverFor(frame.NodeModels, modelsByID(s.deps.Models()), s.deps.DefaultModel),
		Input:    message,
		OnDelta: func(_, delta string) {
			s.emit(OutboundFrame{OnChatModelStream: delta})
		},
		OnSpan: func(span core.SpanRecord, toolCalls []core.ToolCallRecord) {
			tc.RecordSpan(s.ctx, span, toolCalls)
		},
		Logger: s.deps.Logger,
	}
}

// modelsByID indexes a models list by id, for resolver.ResolveConfig's
// known-model lookup.
func modelsByID(models []core.ModelConfig) map[string]core.ModelConfig {
	out := make(map[string]core.ModelConfig, len(models))
	for _, m := range models {
		out[m.ID] = m
	}
	return out
}

// resolverFor adapts resolver.ResolveConfig into the engine's ModelOf
// signature, bound to one request's node_models overrides and the
// process's known model configs (so a node resolving to a self-hosted
// model id carries its api_base into the engine's call, not just its
// bare model string).
func resolverFor(overrides map[string]string, known map[string]core.ModelConfig, fallback string) func(core.NodeConfig) core.ModelConfig {
	fallbackCfg, ok := known[fallback]
	if !ok {
		fallbackCfg = core.ModelConfig{ID: fallback, Model: fallback}
	}
	return func(node core.NodeConfig) core.ModelConfig {
		return resolver.ResolveConfig(node, overrides, known, fallbackCfg)
	}
}

func decodeInbound(data []byte, frame *InboundFrame) error {
	return json.Unmarshal(data, frame)
}
