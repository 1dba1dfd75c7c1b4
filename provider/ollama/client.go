// Package ollama implements core.StreamingLLMClient against Ollama's native
// NDJSON chat API. Unlike the OpenAI-compatible and Anthropic transports,
// Ollama frames carry no SSE envelope: each line is a complete JSON object.
// This transport additionally exposes the verbose timing fields
// (load/prompt-eval/eval duration, tokens-per-second) the session protocol's
// verbose path reports, which the other two transports have no equivalent
// for.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/provider"
)

// Client talks the native chat API at BaseURL (default
// "http://localhost:11434").
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Client. An empty baseURL defaults to a local Ollama daemon.
func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Client{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 300 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toMessages(req core.LLMRequest) []chatMessage {
	var out []chatMessage
	if req.System != "" {
		out = append(out, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		out = append(out, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.InputText != "" {
		out = append(out, chatMessage{Role: "user", Content: req.InputText})
	}
	return out
}

func (c *Client) buildRequest(ctx context.Context, req core.LLMRequest, stream bool) (*http.Request, error) {
	body := chatRequest{Model: req.Model, Messages: toMessages(req), Stream: stream}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return httpReq, nil
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(b)
}

// ndjsonFrame is the shape of every line of an Ollama /api/chat response,
// streaming or not; the final frame (Done=true) carries the verbose timing
// fields.
type ndjsonFrame struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done               bool  `json:"done"`
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int   `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}

// verbose extracts the native timing breakdown a frame's Done=true line
// exposes, consumed by the session protocol's verbose path.
func (f ndjsonFrame) verbose() core.VerboseMetrics {
	v := core.VerboseMetrics{
		LoadDurationMS: f.LoadDuration / int64(time.Millisecond),
		PromptEvalMS:   f.PromptEvalDuration / int64(time.Millisecond),
		EvalMS:         f.EvalDuration / int64(time.Millisecond),
	}
	if f.EvalDuration > 0 {
		v.TokensPerSecond = float64(f.EvalCount) / (float64(f.EvalDuration) / float64(time.Second))
	}
	return v
}

// Complete performs a single non-streaming chat call.
func (c *Client) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	httpReq, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return core.LLMResponse{}, err
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return core.LLMResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.LLMResponse{}, &provider.LlmError{Status: resp.StatusCode, Body: readErrorBody(resp)}
	}
	var frame ndjsonFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return core.LLMResponse{}, &provider.ParseError{Frame: "chat", Cause: err}
	}
	return core.LLMResponse{
		Text:     frame.Message.Content,
		Provider: "ollama",
		Model:    req.Model,
		Usage: core.LLMTokenUsage{
			InputTokens:  frame.PromptEvalCount,
			OutputTokens: frame.EvalCount,
			TotalTokens:  frame.PromptEvalCount + frame.EvalCount,
		},
		Meta: map[string]any{"verbose": frame.verbose()},
	}, nil
}

// CompleteStream streams one JSON object per line (NDJSON, no SSE
// envelope). Reads are buffered across chunks with bufio.Reader because a
// single network read may split a line across two reads.
func (c *Client) CompleteStream(ctx context.Context, req core.LLMRequest) (<-chan core.StreamChunk, error) {
	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &provider.LlmError{Status: resp.StatusCode, Body: readErrorBody(resp)}
	}

	out := make(chan core.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		var accumulated strings.Builder
		index := 0

		emit := func(chunk core.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			line, err := reader.ReadString('\n')
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				var frame ndjsonFrame
				if jsonErr := json.Unmarshal([]byte(trimmed), &frame); jsonErr != nil {
					if !emit(core.StreamChunk{Error: &provider.ParseError{Frame: trimmed, Cause: jsonErr}}) {
						return
					}
				} else if frame.Done {
					verbose := frame.verbose()
					emit(core.StreamChunk{
						Done:        true,
						Index:       index,
						Accumulated: accumulated.String(),
						Usage: &core.LLMTokenUsage{
							InputTokens:  frame.PromptEvalCount,
							OutputTokens: frame.EvalCount,
							TotalTokens:  frame.PromptEvalCount + frame.EvalCount,
						},
						Verbose: &verbose,
					})
					return
				} else if frame.Message.Content != "" {
					accumulated.WriteString(frame.Message.Content)
					if !emit(core.StreamChunk{Delta: frame.Message.Content, Index: index, Accumulated: accumulated.String()}) {
						return
					}
					index++
				}
			}
			if err != nil {
				if err != io.EOF {
					emit(core.StreamChunk{Error: fmt.Errorf("reading stream: %w", err)})
				}
				emit(core.StreamChunk{Done: true, Index: index, Accumulated: accumulated.String()})
				return
			}
		}
	}()
	return out, nil
}

// Unload asks the Ollama daemon to evict model from memory immediately, by
// issuing a generate call with keep_alive set to "0".
func (c *Client) Unload(ctx context.Context, model string) error {
	body := map[string]any{"model": model, "keep_alive": "0"}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &provider.LlmError{Status: resp.StatusCode, Body: readErrorBody(resp)}
	}
	return nil
}

var _ core.StreamingLLMClient = (*Client)(nil)
