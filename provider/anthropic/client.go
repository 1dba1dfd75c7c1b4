// Package anthropic implements core.StreamingLLMClient against the
// Anthropic Messages API wire format, selected by provider.Unified for any
// model string beginning "claude-".
package anthropic

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

const defaultVersion = "2023-06-01"

// Client talks the Messages API at BaseURL (default
// "https://api.anthropic.com").
type Client struct {
	APIKey     string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
}

// New creates a Client. An empty baseURL defaults to Anthropic's own host.
func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Client{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Version:    defaultVersion,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type messagesRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []anthropicMsg   `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toMessages(req core.LLMRequest) []anthropicMsg {
	var out []anthropicMsg
	for _, m := range req.Messages {
		role := m.Role
		if role == "system" {
			continue // system goes in the top-level field, not the messages array
		}
		out = append(out, anthropicMsg{Role: role, Content: m.Content})
	}
	if req.InputText != "" {
		out = append(out, anthropicMsg{Role: "user", Content: req.InputText})
	}
	return out
}

func maxTokens(req core.LLMRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return 4096
}

func (c *Client) buildRequest(ctx context.Context, req core.LLMRequest, stream bool) (*http.Request, error) {
	body := messagesRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    toMessages(req),
		MaxTokens:   maxTokens(req),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", c.Version)
	if c.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.APIKey)
	}
	return httpReq, nil
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(b)
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete performs a single non-streaming messages call.
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
	var parsed messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return core.LLMResponse{}, &provider.ParseError{Frame: "messages", Cause: err}
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return core.LLMResponse{
		Text:     text.String(),
		Provider: "anthropic",
		Model:    req.Model,
		Usage: core.LLMTokenUsage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

type sseEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// CompleteStream streams named-event Server-Sent Events
// (message_start/content_block_delta/message_delta/message_stop). Reads are
// buffered across chunks with bufio.Reader; each logical event spans a
// "event: ..." line followed by one or more "data: ..." lines.
func (c *Client) CompleteStream(ctx context.Context, req core.LLMRequest) (<-chan core.StreamChunk, error) {
	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
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
		var currentEvent string
		inputTokens := 0
		outputTokens := 0

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
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(trimmed, "event: "):
				currentEvent = strings.TrimPrefix(trimmed, "event: ")
			case strings.HasPrefix(trimmed, "data: "):
				data := strings.TrimPrefix(trimmed, "data: ")
				var evt sseEvent
				if jsonErr := json.Unmarshal([]byte(data), &evt); jsonErr != nil {
					if !emit(core.StreamChunk{Error: &provider.ParseError{Frame: data, Cause: jsonErr}}) {
						return
					}
					break
				}
				switch currentEvent {
				case "message_start":
					inputTokens = evt.Message.Usage.InputTokens
				case "content_block_delta":
					if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
						accumulated.WriteString(evt.Delta.Text)
						if !emit(core.StreamChunk{Delta: evt.Delta.Text, Index: index, Accumulated: accumulated.String()}) {
							return
						}
						index++
					}
				case "message_delta":
					if evt.Usage.OutputTokens > 0 {
						outputTokens = evt.Usage.OutputTokens
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					emit(core.StreamChunk{Error: fmt.Errorf("reading stream: %w", err)})
				}
				break
			}
		}

		emit(core.StreamChunk{
			Done:        true,
			Index:       index,
			Accumulated: accumulated.String(),
			Usage: &core.LLMTokenUsage{
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
			},
		})
	}()
	return out, nil
}

var _ core.StreamingLLMClient = (*Client)(nil)
