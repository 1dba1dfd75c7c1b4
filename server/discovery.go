package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipelex/pipelex/core"
)

// discoveryInterval is how often the background poll refreshes the locally
// discovered model list, per spec.md §4.7's "dynamically discovered local
// models" field.
const discoveryInterval = "@every 30s"

// cloudModels are the fixed cloud-provider defaults spec.md §4.7's merge
// policy lists first, ahead of any discovered local models.
var cloudModels = []core.ModelConfig{
	{ID: "gpt-4o", Name: "GPT-4o", Model: "gpt-4o"},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", Model: "gpt-4o-mini"},
	{ID: "claude-opus-4", Name: "Claude Opus", Model: "claude-opus-4-20250514"},
	{ID: "claude-sonnet-4", Name: "Claude Sonnet", Model: "claude-sonnet-4-20250514"},
}

// startDiscovery runs an immediate discovery pass, then schedules one every
// discoveryInterval via robfig/cron, until ctx is cancelled. A discovery
// failure is logged and the model list keeps whatever it last had — spec.md
// §4.7: "a discovery failure is logged and ignored (the server still
// starts)".
func (s *Server) startDiscovery(ctx context.Context) {
	s.refreshModels(ctx)

	c := cron.New()
	_, err := c.AddFunc(discoveryInterval, func() { s.refreshModels(ctx) })
	if err != nil {
		s.logger.Error("server: schedule discovery failed", "error", err)
		return
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

func (s *Server) refreshModels(ctx context.Context) {
	discovered, err := discoverOllamaModels(ctx, s.discoveryHostURL)
	if err != nil {
		s.logger.Warn("server: model discovery failed", "error", err)
		discovered = nil
	}
	merged := make([]core.ModelConfig, 0, len(cloudModels)+len(discovered))
	merged = append(merged, cloudModels...)
	merged = append(merged, discovered...)

	s.modelsMu.Lock()
	s.models = merged
	s.modelsMu.Unlock()
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// discoverOllamaModels queries a local Ollama daemon's /api/tags endpoint
// and turns each installed model into a ModelConfig whose api_base points
// back at that daemon, so the session protocol's verbose path (spec.md
// §4.6 rule 1) can route to it.
func discoverOllamaModels(ctx context.Context, hostURL string) ([]core.ModelConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hostURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("discovery: unexpected status %d", resp.StatusCode)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("discovery: decode tags: %w", err)
	}
	out := make([]core.ModelConfig, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, core.ModelConfig{
			ID:      "local:" + m.Name,
			Name:    m.Name,
			Model:   m.Name,
			APIBase: hostURL,
		})
	}
	return out, nil
}
