// Package session implements the WebSocket session protocol spec.md §4.6
// describes: a single long-lived connection carrying an init handshake
// followed by any number of chat/model-management requests, each answered
// with a stream of frames.
package session

import (
	"encoding/json"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/tracestore"
)

// InboundFrame is one client->server message. Every field but Init is
// optional; which fields are set determines dispatch (Session.handle).
type InboundFrame struct {
	UUID          string            `json:"uuid,omitempty"`
	Init          bool              `json:"init,omitempty"`
	Message       *string           `json:"message,omitempty"`
	ModelID       string            `json:"model_id,omitempty"`
	PipelineID    string            `json:"pipeline_id,omitempty"`
	NodeModels    map[string]string `json:"node_models,omitempty"`
	Verbose       bool              `json:"verbose,omitempty"`
	WakeModelID   string            `json:"wake_model_id,omitempty"`
	UnloadModelID string            `json:"unload_model_id,omitempty"`
	History       []core.Message    `json:"history,omitempty"`
	PipelineConfig *core.PipelineConfig `json:"pipeline_config,omitempty"`
}

// OutboundFrame is one server->client message. The protocol's frames are an
// untagged union: exactly one of these groups of fields is populated per
// frame, matching spec.md §6.1 exactly (no "type" discriminator field).
type OutboundFrame struct {
	OnChatModelStream string         `json:"on_chat_model_stream,omitempty"`
	OnChatModelEnd    bool           `json:"on_chat_model_end,omitempty"`
	Metadata          *EndMetadata   `json:"metadata,omitempty"`
	ModelStatus       string         `json:"model_status,omitempty"`
	Models            []core.ModelConfig     `json:"models,omitempty"`
	Presets           []PipelineInfo         `json:"presets,omitempty"`
	Configs           []PipelineInfo         `json:"configs,omitempty"`
}

// PipelineInfo is the lightweight listing shape sent in InitResponse,
// shared with the HTTP /api/pipelines surface.
type PipelineInfo = tracestore.PipelineInfo

// EndMetadata accompanies the terminal on_chat_model_end frame of every
// streamed response.
type EndMetadata struct {
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
	ElapsedMS      int64    `json:"elapsed_ms"`
	LoadDurationMS *int64   `json:"load_duration_ms,omitempty"`
	PromptEvalMS   *int64   `json:"prompt_eval_ms,omitempty"`
	EvalMS         *int64   `json:"eval_ms,omitempty"`
	TokensPerSec   *float64 `json:"tokens_per_sec,omitempty"`
}

const (
	modelStatusLoading   = "loading"
	modelStatusReady     = "ready"
	modelStatusUnloading = "unloading"
)

func encodeFrame(f OutboundFrame) ([]byte, error) {
	return json.Marshal(f)
}
