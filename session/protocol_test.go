package session

import (
	"encoding/json"
	"testing"

	"github.com/pipelex/pipelex/core"
)

func TestDecodeInbound_InitFrame(t *testing.T) {
	var frame InboundFrame
	if err := decodeInbound([]byte(`{"init": true}`), &frame); err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if !frame.Init {
		t.Error("Init should decode true")
	}
}

func TestDecodeInbound_MessageFrame(t *testing.T) {
	var frame InboundFrame
	if err := decodeInbound([]byte(`{"message": "hello", "model_id": "gpt-4o-mini"}`), &frame); err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if frame.Message == nil || *frame.Message != "hello" {
		t.Errorf("Message = %v, want hello", frame.Message)
	}
	if frame.ModelID != "gpt-4o-mini" {
		t.Errorf("ModelID = %q, want gpt-4o-mini", frame.ModelID)
	}
}

func TestEncodeFrame_OmitsEmptyGroups(t *testing.T) {
	data, err := encodeFrame(OutboundFrame{OnChatModelStream: "partial"})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["on_chat_model_end"]; ok {
		t.Error("on_chat_model_end should be omitted when false")
	}
	if decoded["on_chat_model_stream"] != "partial" {
		t.Errorf("on_chat_model_stream = %v, want partial", decoded["on_chat_model_stream"])
	}
}

func TestToLLMMessages(t *testing.T) {
	history := []core.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	out := toLLMMessages(history)
	if len(out) != 2 {
		t.Fatalf("toLLMMessages returned %d messages, want 2", len(out))
	}
	if out[0].Role != "user" || out[0].Content != "hi" {
		t.Errorf("out[0] = %+v, want user/hi", out[0])
	}
	if out[1].Role != "assistant" || out[1].Content != "hello" {
		t.Errorf("out[1] = %+v, want assistant/hello", out[1])
	}
}

func TestResolverFor(t *testing.T) {
	known := map[string]core.ModelConfig{
		"override": {ID: "override", APIBase: "http://localhost:11434"},
	}
	resolve := resolverFor(map[string]string{"n1": "override"}, known, "fallback")

	got := resolve(core.NodeConfig{ID: "n1"})
	if got.ID != "override" || got.APIBase != "http://localhost:11434" {
		t.Errorf("resolve(n1) = %+v, want id=override with its known api_base", got)
	}

	got = resolve(core.NodeConfig{ID: "n2"})
	if got.ID != "fallback" {
		t.Errorf("resolve(n2) = %+v, want id=fallback", got)
	}
}

func TestModelsByID(t *testing.T) {
	out := modelsByID([]core.ModelConfig{{ID: "a"}, {ID: "b", APIBase: "http://x"}})
	if len(out) != 2 || out["b"].APIBase != "http://x" {
		t.Errorf("modelsByID = %+v, want a 2-entry map keyed by id", out)
	}
}
