package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/types"
)

// keepMin is the number of recent turns always kept verbatim when the token
// budget forces a deeper fold than the turn window alone would.
const keepMin = 4

// summarySystemPrompt drives the overflow summariser. Temperature 0 keeps
// repeated folds of the same dialog stable.
const summarySystemPrompt = "You condense phone conversations. Write a terse third-person " +
	"summary of the dialog below, keeping names, numbers, commitments, and open " +
	"questions. Output only the summary text."

// History holds the pinned system prompt, a bounded rolling window of turns,
// and a single running summary of everything folded out of the window.
// History is not safe for concurrent use; the Engine serialises access.
type History struct {
	system  string
	window  int
	summary string
	turns   []types.Message
}

// NewHistory returns a History pinned to system with the given turn window.
func NewHistory(system string, window int) *History {
	return &History{system: system, window: window}
}

// System returns the pinned system prompt.
func (h *History) System() string { return h.system }

// Len returns the number of turns currently in the window.
func (h *History) Len() int { return len(h.turns) }

// Append adds a turn to the window. Overflow is handled by Compact, not here,
// so that tool-result turns are never orphaned between calls.
func (h *History) Append(m types.Message) {
	h.turns = append(h.turns, m)
}

// Snapshot returns the prompt history: the summary pseudo-turn (when one
// exists) followed by the windowed turns. The returned slice shares no
// backing array with the window.
func (h *History) Snapshot() []types.Message {
	out := make([]types.Message, 0, len(h.turns)+1)
	if h.summary != "" {
		out = append(out, types.Message{
			Role:    "system",
			Content: "Summary of the conversation so far: " + h.summary,
		})
	}
	return append(out, h.turns...)
}

// Compact folds overflow turns into the running summary using p.Complete.
// It trims when the window exceeds its turn limit, and also when the token
// estimate crosses three quarters of the model's context window. The cut
// never lands on a tool-result turn. On summariser failure the overflow is
// still dropped (the window must stay bounded) and the previous summary is
// kept; the error is returned for logging.
func (h *History) Compact(ctx context.Context, p llm.Provider) error {
	cut := len(h.turns) - h.window
	if cut < 0 {
		cut = 0
	}
	if caps := p.Capabilities(); caps.ContextWindow > 0 && len(h.turns)-cut > keepMin {
		if n, err := p.CountTokens(h.Snapshot()); err == nil && n > caps.ContextWindow*3/4 {
			cut = len(h.turns) - keepMin
		}
	}
	if cut <= 0 {
		return nil
	}
	for cut < len(h.turns) && h.turns[cut].Role == "tool" {
		cut++
	}
	if cut >= len(h.turns) {
		cut = len(h.turns) - 1
	}
	if cut <= 0 {
		return nil
	}

	overflow := h.turns[:cut]
	rest := make([]types.Message, len(h.turns)-cut)
	copy(rest, h.turns[cut:])

	var sb strings.Builder
	if h.summary != "" {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(h.summary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Dialog:\n")
	sb.WriteString(renderTurns(overflow))
	h.turns = rest

	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0,
	})
	if err != nil {
		return fmt.Errorf("convo: summarise overflow: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return errors.New("convo: summarise overflow: empty response")
	}
	h.summary = resp.Content
	return nil
}

// renderTurns flattens turns into the plain-text dialog fed to the
// summariser.
func renderTurns(turns []types.Message) string {
	var sb strings.Builder
	for _, m := range turns {
		switch m.Role {
		case "user":
			sb.WriteString("caller: ")
		case "assistant":
			sb.WriteString("agent: ")
		case "tool":
			sb.WriteString("tool ")
			sb.WriteString(m.Name)
			sb.WriteString(": ")
		default:
			sb.WriteString(m.Role)
			sb.WriteString(": ")
		}
		sb.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			sb.WriteString(" [called ")
			sb.WriteString(tc.Name)
			sb.WriteString("]")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
