package session

import (
	"testing"

	"github.com/pipelex/pipelex/core"
)

func TestResolveModelForVerbose(t *testing.T) {
	s := &Session{deps: Deps{DefaultModel: "default-model"}}

	if got := s.resolveModelForVerbose(InboundFrame{ModelID: "explicit-model"}); got != "explicit-model" {
		t.Errorf("resolveModelForVerbose with ModelID set = %q, want explicit-model", got)
	}
	if got := s.resolveModelForVerbose(InboundFrame{}); got != "default-model" {
		t.Errorf("resolveModelForVerbose without ModelID = %q, want default-model", got)
	}
}

func TestApiBaseFor(t *testing.T) {
	s := &Session{deps: Deps{
		Models: func() []core.ModelConfig {
			return []core.ModelConfig{
				{ID: "local-llama", APIBase: "http://localhost:11434"},
				{ID: "gpt-4o-mini"},
			}
		},
	}}

	if got := s.apiBaseFor("local-llama"); got != "http://localhost:11434" {
		t.Errorf("apiBaseFor(local-llama) = %q, want the configured api_base", got)
	}
	if got := s.apiBaseFor("gpt-4o-mini"); got != "" {
		t.Errorf("apiBaseFor(gpt-4o-mini) = %q, want empty api_base", got)
	}
	if got := s.apiBaseFor("unknown-model"); got != "" {
		t.Errorf("apiBaseFor(unknown) = %q, want empty", got)
	}
}
