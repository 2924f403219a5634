package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/pkg/project"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/types"
)

// ScopeCreep flags work discussed on the call that falls outside the matched
// project's stored scope.
type ScopeCreep struct {
	Flagged   bool   `json:"flagged"`
	Rationale string `json:"rationale"`
}

// Lead carries the captured lead answers.
type Lead struct {
	Answers   map[string]string `json:"answers"`
	Completed bool              `json:"completed"`
}

// Artifact is the post-call record emitted to the downstream sink, exactly
// once per call that reached Greeting.
type Artifact struct {
	CallID          string            `json:"call_id"`
	TenantID        string            `json:"tenant_id"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
	DurationS       float64           `json:"duration_s"`
	TerminalCause   string            `json:"terminal_cause"`
	Transcript      []TranscriptEntry `json:"transcript"`
	Summary         *string           `json:"summary"`
	ActionItems     []string          `json:"action_items"`
	Urgency         string            `json:"urgency"`
	ScopeCreep      *ScopeCreep       `json:"scope_creep"`
	Lead            *Lead             `json:"lead"`
	FinalizerErrors []string          `json:"finalizer_errors"`
}

const summaryPrompt = `You are a call analyst. Given the transcript of a phone call to a ` +
	`business, reply with ONLY a JSON object, no prose and no code fences:
{"caller_name": string or null, "project": string or null, "summary": string,
"action_items": [string], "urgency": "low"|"medium"|"high"|"critical"}`

const scopePrompt = `You compare a phone call against a project's agreed scope. Reply with ` +
	`ONLY a JSON object, no prose and no code fences:
{"flagged": bool, "rationale": string}
Flag only work the caller asked for that the scope does not cover.`

// summaryResult is the JSON shape the summariser model is asked for.
type summaryResult struct {
	CallerName  *string  `json:"caller_name"`
	Project     *string  `json:"project"`
	Summary     string   `json:"summary"`
	ActionItems []string `json:"action_items"`
	Urgency     string   `json:"urgency"`
}

// Finalizer assembles and emits the CallArtifact after a call ends. All of
// its steps are best-effort: failures land in finalizer_errors and the
// artifact is emitted regardless.
type Finalizer struct {
	llm      llm.Provider
	projects project.Provider
	sink     ArtifactSink
	metrics  *observe.Metrics
}

// NewFinalizer builds a Finalizer. projects, sink, and metrics may be nil.
func NewFinalizer(p llm.Provider, projects project.Provider, sink ArtifactSink, metrics *observe.Metrics) *Finalizer {
	return &Finalizer{llm: p, projects: projects, sink: sink, metrics: metrics}
}

// Run assembles the artifact from the call record, asks the model for the
// structured summary and the scope-creep flag, and emits the result to the
// sink with one retry. The returned artifact is what was emitted.
func (f *Finalizer) Run(ctx context.Context, rec *Record) *Artifact {
	a := &Artifact{
		CallID:          rec.CallID,
		TenantID:        rec.TenantID,
		From:            rec.From,
		To:              rec.To,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		DurationS:       rec.DurationSeconds(),
		TerminalCause:   string(rec.Cause),
		Transcript:      rec.Transcript(),
		ActionItems:     []string{},
		FinalizerErrors: append([]string{}, rec.FinalizerErrors...),
	}
	if len(rec.LeadAnswers) > 0 {
		a.Lead = &Lead{Answers: rec.LeadAnswers, Completed: rec.LeadCompleted}
	}

	f.summarize(ctx, a)
	f.checkScope(ctx, rec, a)

	deliver(ctx, f.sink, f.metrics, a)
	return a
}

// summarize fills Summary, ActionItems, and Urgency from a deterministic
// model pass over the transcript.
func (f *Finalizer) summarize(ctx context.Context, a *Artifact) {
	a.Urgency = "low"
	if len(a.Transcript) == 0 {
		return
	}
	if f.llm == nil {
		a.FinalizerErrors = append(a.FinalizerErrors, "summary: no model configured")
		return
	}

	resp, err := f.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages: []types.Message{{
			Role:    "user",
			Content: renderTranscript(a.Transcript),
		}},
		Temperature: 0,
	})
	if err != nil {
		a.FinalizerErrors = append(a.FinalizerErrors, fmt.Sprintf("summary: %v", err))
		return
	}
	if resp == nil {
		a.FinalizerErrors = append(a.FinalizerErrors, "summary: empty model response")
		return
	}

	var res summaryResult
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &res); err != nil {
		a.FinalizerErrors = append(a.FinalizerErrors, fmt.Sprintf("summary: bad model output: %v", err))
		return
	}
	a.Summary = &res.Summary
	if res.ActionItems != nil {
		a.ActionItems = res.ActionItems
	}
	switch res.Urgency {
	case "low", "medium", "high", "critical":
		a.Urgency = res.Urgency
	}
}

// checkScope runs the scope-creep pass when the call matched a project with
// a stored scope.
func (f *Finalizer) checkScope(ctx context.Context, rec *Record, a *Artifact) {
	if rec.MatchedProjectID == "" || f.projects == nil || f.llm == nil {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, project.Deadline)
	scope, err := f.projects.ScopeOf(dctx, rec.MatchedProjectID)
	cancel()
	if err != nil {
		a.FinalizerErrors = append(a.FinalizerErrors, fmt.Sprintf("scope: %v", err))
		return
	}
	if scope == "" {
		return
	}

	resp, err := f.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: scopePrompt,
		Messages: []types.Message{{
			Role: "user",
			Content: "Project scope:\n" + scope + "\n\nCall transcript:\n" +
				renderTranscript(a.Transcript),
		}},
		Temperature: 0,
	})
	if err != nil {
		a.FinalizerErrors = append(a.FinalizerErrors, fmt.Sprintf("scope: %v", err))
		return
	}
	if resp == nil {
		a.FinalizerErrors = append(a.FinalizerErrors, "scope: empty model response")
		return
	}

	var sc ScopeCreep
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &sc); err != nil {
		a.FinalizerErrors = append(a.FinalizerErrors, fmt.Sprintf("scope: bad model output: %v", err))
		return
	}
	a.ScopeCreep = &sc
}

// renderTranscript flattens the transcript for the model prompts.
func renderTranscript(entries []TranscriptEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Speaker)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
