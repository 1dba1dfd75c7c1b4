// Package openaicompat implements core.StreamingLLMClient against the
// OpenAI Chat Completions wire format (used by OpenAI itself and by any
// self-hosted gateway that mirrors it).
package openaicompat

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

// Client talks the Chat Completions API at BaseURL (default
// "https://api.openai.com/v1").
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Client. An empty baseURL defaults to OpenAI's own host.
func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
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
	body := chatRequest{
		Model:       req.Model,
		Messages:    toMessages(req),
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
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

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete performs a single non-streaming chat completion.
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
	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return core.LLMResponse{}, &provider.ParseError{Frame: "chat.completion", Cause: err}
	}
	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}
	return core.LLMResponse{
		Text:     text,
		Provider: "openai",
		Model:    req.Model,
		Usage: core.LLMTokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// CompleteStream streams incremental deltas as Server-Sent Events, one JSON
// object per "data: " line, terminated by a literal "data: [DONE]" frame.
// Reads are buffered across chunks with bufio.Reader since a single network
// read is not guaranteed to land on a frame boundary.
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
		var usage *core.LLMTokenUsage

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				line = strings.TrimRight(line, "\r\n")
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					if data == "[DONE]" {
						break
					}
					if data == "" {
						continue
					}
					var chunk chatStreamChunk
					if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
						select {
						case out <- core.StreamChunk{Error: &provider.ParseError{Frame: data, Cause: jsonErr}}:
						case <-ctx.Done():
							return
						}
						continue
					}
					if chunk.Usage != nil {
						usage = &core.LLMTokenUsage{
							InputTokens:  chunk.Usage.PromptTokens,
							OutputTokens: chunk.Usage.CompletionTokens,
							TotalTokens:  chunk.Usage.TotalTokens,
						}
					}
					if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
						delta := chunk.Choices[0].Delta.Content
						accumulated.WriteString(delta)
						select {
						case out <- core.StreamChunk{Delta: delta, Index: index, Accumulated: accumulated.String()}:
						case <-ctx.Done():
							return
						}
						index++
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case out <- core.StreamChunk{Error: fmt.Errorf("reading stream: %w", err)}:
					case <-ctx.Done():
					}
				}
				break
			}
		}

		select {
		case out <- core.StreamChunk{Done: true, Index: index, Accumulated: accumulated.String(), Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

var _ core.StreamingLLMClient = (*Client)(nil)
