package provider

import (
	"fmt"
	"testing"

	"github.com/pipelex/pipelex/core"
)

func TestUseOllamaFor(t *testing.T) {
	cases := []struct {
		apiBase string
		verbose bool
		want    bool
	}{
		{"http://localhost:11434", true, true},
		{"http://localhost:11434", false, false},
		{"", true, false},
		{"", false, false},
	}
	for _, tc := range cases {
		if got := UseOllamaFor(tc.apiBase, tc.verbose); got != tc.want {
			t.Errorf("UseOllamaFor(%q, %v) = %v, want %v", tc.apiBase, tc.verbose, got, tc.want)
		}
	}
}

func TestTransportFor_Dispatch(t *testing.T) {
	u := New(Credentials{})

	cases := []struct {
		name    string
		model   string
		apiBase string
		verbose bool
		want    string
	}{
		{"claude prefix selects anthropic", "claude-opus-4", "", false, "*anthropic.Client"},
		{"default selects openai-compatible", "gpt-4o-mini", "", false, "*openaicompat.Client"},
		{"verbose + api_base selects ollama even for claude-looking names", "claude-opus-4", "http://localhost:11434", true, "*ollama.Client"},
		{"verbose without api_base does not select ollama", "gpt-4o-mini", "", true, "*openaicompat.Client"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fmt.Sprintf("%T", u.transportFor(tc.model, tc.apiBase, tc.verbose))
			if got != tc.want {
				t.Errorf("transportFor(%q, %q, %v) = %s, want %s", tc.model, tc.apiBase, tc.verbose, got, tc.want)
			}
		})
	}
}

func TestApiBaseFromMeta(t *testing.T) {
	req := core.LLMRequest{Meta: map[string]any{"api_base": "http://localhost:11434"}}
	if got := apiBaseFromMeta(req); got != "http://localhost:11434" {
		t.Errorf("apiBaseFromMeta = %q, want the meta value", got)
	}

	if got := apiBaseFromMeta(core.LLMRequest{}); got != "" {
		t.Errorf("apiBaseFromMeta(no meta) = %q, want empty", got)
	}

	if got := apiBaseFromMeta(core.LLMRequest{Meta: map[string]any{"api_base": 123}}); got != "" {
		t.Errorf("apiBaseFromMeta(wrong type) = %q, want empty", got)
	}
}

func TestUnload_NoOpWithoutAPIBase(t *testing.T) {
	u := New(Credentials{})
	if err := u.Unload(nil, "any-model", ""); err != nil {
		t.Errorf("Unload with empty api_base should be a no-op, got error: %v", err)
	}
}
