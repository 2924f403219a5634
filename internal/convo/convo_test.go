package convo

import (
	"context"
	"errors"
	"testing"

	"github.com/voxhall/voxhall/pkg/provider/llm"
	llmmock "github.com/voxhall/voxhall/pkg/provider/llm/mock"
	"github.com/voxhall/voxhall/pkg/types"
)

func collect(t *testing.T, turn *Turn) ([]string, *TurnResult, error) {
	t.Helper()
	var sentences []string
	for s := range turn.Sentences {
		sentences = append(sentences, s)
	}
	res, err := turn.Wait()
	return sentences, res, err
}

func TestUserTurnStreamsSentences(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hi there"},
		{Text: ". How can"},
		{Text: " I help?"},
		{FinishReason: llm.FinishStop},
	}}
	e := New(p, "persona")

	turn, err := e.UserTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	sentences, res, err := collect(t, turn)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := []string{"Hi there.", "How can I help?"}
	if len(sentences) != len(want) {
		t.Fatalf("sentences = %q, want %q", sentences, want)
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Errorf("sentences[%d] = %q, want %q", i, sentences[i], want[i])
		}
	}
	if res.Text != "Hi there. How can I help?" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.FinishReason != llm.FinishStop {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}
	if e.HistoryLen() != 2 {
		t.Errorf("history = %d turns, want user + assistant", e.HistoryLen())
	}
}

func TestUserTurnSendsSystemPromptAndTools(t *testing.T) {
	tools := []types.ToolDefinition{{Name: "end_call"}}
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishStop}}}
	e := New(p, "persona", WithTools(tools), WithTemperature(0.4))

	turn, err := e.UserTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	if _, _, err := collect(t, turn); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	req := p.StreamCalls[0].Req
	if req.SystemPrompt != "persona" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "end_call" {
		t.Errorf("Tools = %+v", req.Tools)
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v", req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	p := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{{ToolCalls: []types.ToolCall{{ID: "t1", Name: "end_call", Arguments: "{}"}}, FinishReason: llm.FinishToolCalls}},
		{{Text: "Goodbye."}, {FinishReason: llm.FinishStop}},
	}}
	e := New(p, "persona")

	turn, err := e.UserTurn(context.Background(), "bye now")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	_, res, err := collect(t, turn)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "end_call" {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
	if res.FinishReason != llm.FinishToolCalls {
		t.Errorf("FinishReason = %q", res.FinishReason)
	}

	turn, err = e.ToolTurn(context.Background(), []ToolOutcome{
		{CallID: "t1", Name: "end_call", Result: `{"ok":true}`},
	})
	if err != nil {
		t.Fatalf("ToolTurn: %v", err)
	}
	sentences, _, err := collect(t, turn)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(sentences) != 1 || sentences[0] != "Goodbye." {
		t.Errorf("sentences = %q", sentences)
	}

	req := p.StreamCalls[1].Req
	var sawAssistant, sawTool bool
	for _, m := range req.Messages {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "t1" {
			sawAssistant = true
		}
		if m.Role == "tool" && m.ToolCallID == "t1" && m.Content == `{"ok":true}` {
			sawTool = true
		}
	}
	if !sawAssistant || !sawTool {
		t.Errorf("follow-up messages missing tool round trip: %+v", req.Messages)
	}
}

func TestRetryOnMidStreamDrop(t *testing.T) {
	p := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{{Text: "Sorry, "}, {FinishReason: llm.FinishError, Text: "connection reset"}},
		{{Text: "Sorry, one moment. Done."}, {FinishReason: llm.FinishStop}},
	}}
	e := New(p, "persona")

	turn, err := e.UserTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	sentences, res, err := collect(t, turn)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(sentences) != 2 || sentences[0] != "Sorry, one moment." || sentences[1] != "Done." {
		t.Errorf("sentences = %q", sentences)
	}
	if res.Text != "Sorry, one moment. Done." {
		t.Errorf("Text = %q", res.Text)
	}

	if len(p.StreamCalls) != 2 {
		t.Fatalf("StreamCompletion called %d times, want 2", len(p.StreamCalls))
	}
	first, second := p.StreamCalls[0].Req, p.StreamCalls[1].Req
	if len(first.Messages) != len(second.Messages) || first.Messages[0].Content != second.Messages[0].Content {
		t.Error("retry did not reuse the identical request")
	}
}

func TestRetrySkipsAlreadyFlushedSentences(t *testing.T) {
	p := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{{Text: "One done. Two par"}, {FinishReason: llm.FinishError, Text: "eof"}},
		{{Text: "One done. Two full."}, {FinishReason: llm.FinishStop}},
	}}
	e := New(p, "persona")

	turn, err := e.UserTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	sentences, _, err := collect(t, turn)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(sentences) != 2 || sentences[0] != "One done." || sentences[1] != "Two full." {
		t.Errorf("sentences = %q, want no repeated sentence", sentences)
	}
}

func TestSecondDropFailsTurn(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{FinishReason: llm.FinishError, Text: "connection reset"},
	}}
	e := New(p, "persona")

	turn, err := e.UserTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	_, _, err = collect(t, turn)
	if !errors.Is(err, ErrStreamDropped) {
		t.Fatalf("err = %v, want ErrStreamDropped", err)
	}
	if len(p.StreamCalls) != 2 {
		t.Errorf("StreamCompletion called %d times, want 2", len(p.StreamCalls))
	}
	// The failed turn must not pollute history with a phantom assistant line.
	if e.HistoryLen() != 1 {
		t.Errorf("history = %d turns, want just the user turn", e.HistoryLen())
	}
}

func TestStreamStartFailureRetriesOnce(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errors.New("dial refused")}
	e := New(p, "persona")

	if _, err := e.UserTurn(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if len(p.StreamCalls) != 2 {
		t.Errorf("StreamCompletion called %d times, want 2", len(p.StreamCalls))
	}
}

func TestNoteAgentLineEntersHistory(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishStop}}}
	e := New(p, "persona")
	e.NoteAgentLine("Thanks for calling Aurora, this is Jessie.")

	turn, err := e.UserTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("UserTurn: %v", err)
	}
	if _, _, err := collect(t, turn); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	msgs := p.StreamCalls[0].Req.Messages
	if len(msgs) != 2 || msgs[0].Role != "assistant" || msgs[1].Content != "hi" {
		t.Errorf("Messages = %+v", msgs)
	}
}

func TestWindowCompactionDuringDialog(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks:     []llm.Chunk{{Text: "Noted."}, {FinishReason: llm.FinishStop}},
		CompleteResponse: &llm.CompletionResponse{Content: "running summary"},
	}
	e := New(p, "persona", WithWindow(4))

	for i := 0; i < 4; i++ {
		turn, err := e.UserTurn(context.Background(), "another question")
		if err != nil {
			t.Fatalf("UserTurn %d: %v", i, err)
		}
		if _, _, err := collect(t, turn); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}

	if e.HistoryLen() > 4+1 {
		t.Errorf("history = %d turns, want window enforced", e.HistoryLen())
	}
	if len(p.CompleteCalls) == 0 {
		t.Error("overflow was never summarised")
	}
	last := p.StreamCalls[len(p.StreamCalls)-1].Req
	if last.Messages[0].Role != "system" {
		t.Errorf("summary pseudo-turn missing: %+v", last.Messages[0])
	}
}
