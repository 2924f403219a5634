package convo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxhall/voxhall/pkg/provider/llm"
	llmmock "github.com/voxhall/voxhall/pkg/provider/llm/mock"
	"github.com/voxhall/voxhall/pkg/types"
)

func userTurn(text string) types.Message {
	return types.Message{Role: "user", Content: text}
}

func agentTurn(text string) types.Message {
	return types.Message{Role: "assistant", Content: text}
}

func TestCompactUnderWindowDoesNothing(t *testing.T) {
	p := &llmmock.Provider{}
	h := NewHistory("persona", 4)
	h.Append(userTurn("hi"))
	h.Append(agentTurn("hello"))

	if err := h.Compact(context.Background(), p); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("Complete called %d times, want 0", len(p.CompleteCalls))
	}
	if got := h.Snapshot(); len(got) != 2 {
		t.Errorf("snapshot = %d messages, want 2", len(got))
	}
}

func TestCompactFoldsOverflowIntoSummary(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Caller asked about permits."},
	}
	h := NewHistory("persona", 4)
	for i := 0; i < 3; i++ {
		h.Append(userTurn("question"))
		h.Append(agentTurn("answer"))
	}

	if err := h.Compact(context.Background(), p); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if h.Len() != 4 {
		t.Errorf("window = %d turns, want 4", h.Len())
	}
	snap := h.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("snapshot = %d messages, want 5", len(snap))
	}
	if snap[0].Role != "system" || !strings.Contains(snap[0].Content, "Caller asked about permits.") {
		t.Errorf("summary turn = %+v", snap[0])
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if req.Temperature != 0 {
		t.Errorf("summariser temperature = %v, want 0", req.Temperature)
	}
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "caller: question") {
		t.Errorf("summariser prompt = %+v", req.Messages)
	}
}

func TestCompactCarriesEarlierSummary(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "second summary"},
	}
	h := NewHistory("persona", 2)
	h.summary = "first summary"
	for i := 0; i < 4; i++ {
		h.Append(userTurn("q"))
	}

	if err := h.Compact(context.Background(), p); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !strings.Contains(p.CompleteCalls[0].Req.Messages[0].Content, "first summary") {
		t.Error("earlier summary not fed to the summariser")
	}
	if h.summary != "second summary" {
		t.Errorf("summary = %q", h.summary)
	}
}

func TestCompactNeverCutsAtToolResult(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "s"},
	}
	h := NewHistory("persona", 2)
	h.Append(userTurn("check my project"))
	h.Append(types.Message{Role: "assistant", ToolCalls: []types.ToolCall{{ID: "t1", Name: "lookup_project_status"}}})
	h.Append(types.Message{Role: "tool", Name: "lookup_project_status", ToolCallID: "t1", Content: `{"found":true}`})
	h.Append(agentTurn("it is in review"))

	if err := h.Compact(context.Background(), p); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if h.turns[0].Role == "tool" {
		t.Errorf("first windowed turn = %+v", h.turns[0])
	}
}

func TestCompactFoldsDeeperOnTokenBudget(t *testing.T) {
	p := &llmmock.Provider{
		CompleteResponse:  &llm.CompletionResponse{Content: "s"},
		TokenCount:        9000,
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 8000},
	}
	h := NewHistory("persona", 20)
	for i := 0; i < 10; i++ {
		h.Append(userTurn("long"))
	}

	if err := h.Compact(context.Background(), p); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if h.Len() != keepMin {
		t.Errorf("window = %d turns, want %d", h.Len(), keepMin)
	}
	if len(p.CountTokensCalls) == 0 {
		t.Error("CountTokens not consulted")
	}
}

func TestCompactSummariserFailureStillTrims(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("backend down")}
	h := NewHistory("persona", 2)
	h.summary = "kept"
	for i := 0; i < 4; i++ {
		h.Append(userTurn("q"))
	}

	if err := h.Compact(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	if h.Len() != 2 {
		t.Errorf("window = %d turns, want 2", h.Len())
	}
	if h.summary != "kept" {
		t.Errorf("summary = %q, want previous kept", h.summary)
	}
}

func TestRenderTurns(t *testing.T) {
	got := renderTurns([]types.Message{
		userTurn("hello"),
		{Role: "assistant", Content: "checking", ToolCalls: []types.ToolCall{{Name: "lookup_project_status"}}},
		{Role: "tool", Name: "lookup_project_status", Content: `{"found":false}`},
	})
	want := "caller: hello\nagent: checking [called lookup_project_status]\ntool lookup_project_status: {\"found\":false}\n"
	if got != want {
		t.Errorf("renderTurns = %q, want %q", got, want)
	}
}
