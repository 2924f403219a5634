package openai

import (
	"testing"

	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/types"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("empty API key accepted")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("empty model accepted")
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		window     int
		maxOut     int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4.1-mini", 1_047_576, 32_768},
		{"gpt-4", 8_192, 4_096},
		{"unknown-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.maxOut {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.maxOut)
			}
			if !caps.SupportsStreaming || !caps.SupportsToolCalling {
				t.Error("streaming/tool calling should be supported")
			}
		})
	}
}

func TestConvertMessageRoles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant", "tool"} {
		m := types.Message{Role: role, Content: "hi", ToolCallID: "tc1"}
		if _, err := convertMessage(m); err != nil {
			t.Errorf("role %q: %v", role, err)
		}
	}
	if _, err := convertMessage(types.Message{Role: "narrator"}); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a receptionist.",
		Messages: []types.Message{
			{Role: "user", Content: "Hello"},
		},
		Tools: []types.ToolDefinition{
			{Name: "end_call", Description: "Hang up politely."},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatal(err)
	}
	// System prompt is prepended as its own message.
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(params.Messages))
	}
	if len(params.Tools) != 1 {
		t.Errorf("tools = %d, want 1", len(params.Tools))
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 256 {
		t.Errorf("max tokens = %+v", params.MaxCompletionTokens)
	}
}

func TestCountTokensApproximation(t *testing.T) {
	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	n, err := p.CountTokens([]types.Message{
		{Role: "user", Content: "tell me about my project"}, // 24 chars ≈ 6 tokens + 4 overhead
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("CountTokens = %d, want 10", n)
	}
}
