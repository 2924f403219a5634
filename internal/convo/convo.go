// Package convo implements the LLM conversation engine for a single call.
//
// The engine owns the dialog state: a pinned system prompt, a bounded rolling
// window of turns with overflow summarisation, and the tool definitions
// offered to the model. Each turn streams the model's reply as complete
// sentences so speech synthesis can begin mid-reply; tool-call fragments are
// accumulated across chunks and surfaced on the turn result.
//
// A stream that dies mid-generation is retried once with identical input;
// sentences already flushed before the drop are skipped on the retry so the
// caller never hears the same sentence twice.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/types"
)

// ErrStreamDropped is returned by Turn.Wait when the model stream died
// mid-generation and the single retry also failed.
var ErrStreamDropped = errors.New("convo: stream dropped mid-generation")

const (
	// DefaultWindow is the default rolling-window size in turns.
	DefaultWindow = 20

	// defaultTextBuf is the buffer depth of the sentence channel. Sized to
	// absorb several sentences without blocking the forwarding goroutine.
	defaultTextBuf = 16

	// defaultTemperature is used for dialog turns. Summarisation always runs
	// at temperature 0.
	defaultTemperature = 0.7
)

// Engine drives the conversation for one call. Safe for concurrent use,
// though callers normally issue one turn at a time.
type Engine struct {
	provider    llm.Provider
	tools       []types.ToolDefinition
	temperature float64
	maxTokens   int
	textBuf     int

	mu      sync.Mutex
	history *History
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithWindow sets the rolling-window size in turns. Default is 20.
func WithWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.history = NewHistory(e.history.System(), n)
		}
	}
}

// WithTools sets the tool definitions offered to the model on every turn.
func WithTools(tools []types.ToolDefinition) Option {
	return func(e *Engine) {
		cp := make([]types.ToolDefinition, len(tools))
		copy(cp, tools)
		e.tools = cp
	}
}

// WithTemperature sets the sampling temperature for dialog turns.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps the completion length per turn. Zero uses the provider
// default.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// New constructs an Engine pinned to the given system prompt.
func New(provider llm.Provider, systemPrompt string, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		temperature: defaultTemperature,
		textBuf:     defaultTextBuf,
		history:     NewHistory(systemPrompt, DefaultWindow),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TurnResult is the complete outcome of one model turn, available from
// Turn.Wait after the sentence stream closes.
type TurnResult struct {
	// Text is the full assistant reply, including any unflushed tail.
	Text string

	// ToolCalls lists the tool invocations the model requested, accumulated
	// across all stream chunks.
	ToolCalls []types.ToolCall

	// FinishReason is the final chunk's finish reason.
	FinishReason string
}

// Turn is one in-flight model reply. Sentences emits complete sentences as
// boundaries are detected; the channel closes when the stream ends. Callers
// must drain Sentences, then call Wait for the result.
type Turn struct {
	Sentences <-chan string

	done chan struct{}
	res  TurnResult
	err  error
}

// Wait blocks until the turn finishes and returns its result.
func (t *Turn) Wait() (*TurnResult, error) {
	<-t.done
	if t.err != nil {
		return nil, t.err
	}
	return &t.res, nil
}

// UserTurn appends a finalized caller utterance to the history, compacts
// overflow, and streams the model's reply.
func (e *Engine) UserTurn(ctx context.Context, text string) (*Turn, error) {
	e.mu.Lock()
	e.history.Append(types.Message{Role: "user", Content: text})
	if err := e.history.Compact(ctx, e.provider); err != nil {
		slog.Warn("history compaction failed", "error", err)
	}
	req := e.buildRequest()
	e.mu.Unlock()
	return e.run(ctx, req)
}

// ToolOutcome carries one executed tool call's result back into the dialog.
type ToolOutcome struct {
	CallID string
	Name   string
	Result string
}

// ToolTurn feeds tool results back to the model and streams its follow-up
// reply. The history is not compacted here so a result is never separated
// from the assistant turn that requested it.
func (e *Engine) ToolTurn(ctx context.Context, outcomes []ToolOutcome) (*Turn, error) {
	if len(outcomes) == 0 {
		return nil, errors.New("convo: no tool outcomes")
	}
	e.mu.Lock()
	for _, o := range outcomes {
		e.history.Append(types.Message{
			Role:       "tool",
			Content:    o.Result,
			Name:       o.Name,
			ToolCallID: o.CallID,
		})
	}
	req := e.buildRequest()
	e.mu.Unlock()
	return e.run(ctx, req)
}

// NoteAgentLine records a line the agent spoke without model involvement
// (greeting, idle nudge, canned fallback) so later turns see it in history.
func (e *Engine) NoteAgentLine(text string) {
	e.mu.Lock()
	e.history.Append(types.Message{Role: "assistant", Content: text})
	e.mu.Unlock()
}

// HistoryLen returns the number of turns currently in the rolling window.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Len()
}

func (e *Engine) buildRequest() llm.CompletionRequest {
	tools := make([]types.ToolDefinition, len(e.tools))
	copy(tools, e.tools)
	return llm.CompletionRequest{
		Messages:     e.history.Snapshot(),
		Tools:        tools,
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
		SystemPrompt: e.history.System(),
	}
}

// run starts the completion stream, retrying once if it fails to open.
func (e *Engine) run(ctx context.Context, req llm.CompletionRequest) (*Turn, error) {
	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		ch, err = e.provider.StreamCompletion(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("convo: stream start failed: %w", err)
		}
	}
	sentences := make(chan string, e.textBuf)
	t := &Turn{Sentences: sentences, done: make(chan struct{})}
	go e.forward(ctx, req, ch, sentences, t)
	return t, nil
}

// forward reads chunks from ch, flushes complete sentences to out, and
// accumulates the full text and tool calls. A FinishError chunk triggers one
// retry with the identical request; sentences flushed before the drop are
// skipped on the replay.
func (e *Engine) forward(ctx context.Context, req llm.CompletionRequest, ch <-chan llm.Chunk, out chan<- string, t *Turn) {
	defer close(t.done)
	defer close(out)

	var (
		buf     strings.Builder
		full    strings.Builder
		calls   []types.ToolCall
		flushed int
		skip    int
		retried bool
		finish  string
	)

loop:
	for {
		select {
		case <-ctx.Done():
			t.err = ctx.Err()
			return
		case chunk, ok := <-ch:
			if !ok {
				break loop
			}

			if chunk.FinishReason == llm.FinishError {
				if retried {
					t.err = fmt.Errorf("%w: %s", ErrStreamDropped, chunk.Text)
					return
				}
				retried = true
				slog.Warn("model stream dropped, retrying", "error", chunk.Text)
				nch, err := e.provider.StreamCompletion(ctx, req)
				if err != nil {
					t.err = fmt.Errorf("%w: retry: %v", ErrStreamDropped, err)
					return
				}
				ch = nch
				buf.Reset()
				full.Reset()
				calls = nil
				skip = flushed
				continue
			}

			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}

			for {
				idx := nextBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\r\n")
				buf.Reset()
				buf.WriteString(rest)
				if skip > 0 {
					skip--
					continue
				}
				select {
				case out <- sentence:
					flushed++
				case <-ctx.Done():
					t.err = ctx.Err()
					return
				}
			}

			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
				break loop
			}
		}
	}

	if tail := strings.TrimSpace(buf.String()); tail != "" && skip == 0 {
		select {
		case out <- tail:
		case <-ctx.Done():
			t.err = ctx.Err()
			return
		}
	}

	t.res = TurnResult{Text: full.String(), ToolCalls: calls, FinishReason: finish}
	e.mu.Lock()
	e.history.Append(types.Message{Role: "assistant", Content: full.String(), ToolCalls: calls})
	e.mu.Unlock()
}
