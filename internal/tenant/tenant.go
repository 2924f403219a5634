// Package tenant resolves a dialed number to the immutable TenantContext a
// call runs under.
//
// The resolver is consulted exactly once per call, before the greeting. The
// returned context is a closed struct: the runtime never reads tenant data
// through any other path, and nothing mutates it for the lifetime of the
// call.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/voxhall/voxhall/pkg/types"
)

// ErrUnknownNumber reports that no tenant owns the dialed number. The call
// plays a generic announcement and hangs up without emitting an artifact.
var ErrUnknownNumber = errors.New("tenant: unknown number")

// QuestionKind is the expected answer format of a lead question.
type QuestionKind string

const (
	QuestionText  QuestionKind = "text"
	QuestionEmail QuestionKind = "email"
	QuestionPhone QuestionKind = "phone"
)

// IsValid reports whether k is a recognised question kind.
func (k QuestionKind) IsValid() bool {
	switch k {
	case QuestionText, QuestionEmail, QuestionPhone:
		return true
	}
	return false
}

// LeadQuestion is one step of the tenant's lead-capture flow, asked in
// order. The orchestrator owns the position pointer; it survives barge-ins.
type LeadQuestion struct {
	// ID keys the answer in the call artifact (e.g., "name", "phone").
	ID string `yaml:"id" json:"id"`

	// Prompt is the question as spoken to the caller.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Kind selects answer validation. Defaults to text.
	Kind QuestionKind `yaml:"kind" json:"kind"`
}

// Prompts holds the tenant's canned lines. Empty fields fall back to the
// package defaults via [TenantContext.Normalize].
type Prompts struct {
	// NudgeLines are spoken at the idle thresholds, in order. The last line
	// repeats if the ladder is longer than the list.
	NudgeLines []string `yaml:"nudge_lines" json:"nudge_lines"`

	// GoodbyeLine closes an idle-timeout call.
	GoodbyeLine string `yaml:"goodbye_line" json:"goodbye_line"`

	// ASRDegradedLine is spoken when transcription is unavailable and the
	// call drops to DTMF callback capture.
	ASRDegradedLine string `yaml:"asr_degraded_line" json:"asr_degraded_line"`

	// LLMUnavailableLine is spoken when no completion backend responds.
	LLMUnavailableLine string `yaml:"llm_unavailable_line" json:"llm_unavailable_line"`

	// ApologyLine is spoken when the first token misses its deadline.
	ApologyLine string `yaml:"apology_line" json:"apology_line"`

	// HandoffLine is the warm-handoff sentence spoken before a transfer.
	HandoffLine string `yaml:"handoff_line" json:"handoff_line"`
}

// Default canned lines, used where a tenant leaves a prompt empty.
const (
	DefaultNudgeLine          = "Are you still there?"
	DefaultGoodbyeLine        = "I haven't heard anything, so I'll let you go. Goodbye!"
	DefaultASRDegradedLine    = "I'm having trouble hearing you — may I take your number and have someone call you back? Please enter it on your keypad."
	DefaultLLMUnavailableLine = "I'm sorry, I'm having trouble right now. I can transfer you to a person or take a message."
	DefaultApologyLine        = "Sorry, give me just a moment."
	DefaultHandoffLine        = "One moment while I connect you."
)

// VoiceConfig is the stored shape of a tenant voice. It converts to a
// [types.VoiceSpec] via Spec.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs", "openai").
	Provider string `yaml:"provider" json:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// Stability, Similarity, and Style tune synthesis (0.0–1.0,
	// provider-specific; zero means provider default).
	Stability  float64 `yaml:"stability" json:"stability"`
	Similarity float64 `yaml:"similarity" json:"similarity"`
	Style      float64 `yaml:"style" json:"style"`
}

// Spec converts the stored voice to the provider-facing spec.
func (v VoiceConfig) Spec() types.VoiceSpec {
	return types.VoiceSpec{
		Provider:   v.Provider,
		VoiceID:    v.VoiceID,
		Stability:  v.Stability,
		Similarity: v.Similarity,
		Style:      v.Style,
	}
}

// ProjectConfig is the tenant's PM-integration handle. Empty BaseURL means
// the tenant has no PM integration and project lookups answer accordingly.
type ProjectConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Token   string `yaml:"token" json:"token"`
}

// TenantContext is everything the runtime knows about a tenant for the
// duration of one call. Immutable once resolved.
type TenantContext struct {
	// ID is the tenant's opaque identifier, carried in logs and artifacts.
	ID string `yaml:"id" json:"id"`

	// DialedNumber is the E.164 number this tenant owns.
	DialedNumber string `yaml:"dialed_number" json:"dialed_number"`

	// BusinessName and AgentName substitute the greeting placeholders.
	BusinessName string `yaml:"business_name" json:"business_name"`
	AgentName    string `yaml:"agent_name" json:"agent_name"`

	// Greeting is the greeting template. {businessName} and {agentName}
	// placeholders are substituted by RenderGreeting.
	Greeting string `yaml:"greeting" json:"greeting"`

	// Persona is free text injected into the LLM system prompt.
	Persona string `yaml:"persona" json:"persona"`

	// Voice is the primary TTS voice; SecondaryVoice, when set, is used if
	// the chain falls past the primary provider.
	Voice          VoiceConfig `yaml:"voice" json:"voice"`
	SecondaryVoice VoiceConfig `yaml:"secondary_voice" json:"secondary_voice"`

	// EscalationNumber receives transfer_to_human calls.
	EscalationNumber string `yaml:"escalation_number" json:"escalation_number"`

	// LeadQuestions is the ordered lead-capture flow. May be empty.
	LeadQuestions []LeadQuestion `yaml:"lead_questions" json:"lead_questions"`

	// Prompts are the tenant's canned lines.
	Prompts Prompts `yaml:"prompts" json:"prompts"`

	// PhoneBook lists known client caller IDs in E.164 form. A caller ID
	// found here passes project-lookup verification without a name match.
	PhoneBook []string `yaml:"phone_book" json:"phone_book"`

	// Project is the PM integration handle. May be empty.
	Project ProjectConfig `yaml:"project" json:"project"`

	// Flags holds tenant feature toggles.
	Flags map[string]bool `yaml:"flags" json:"flags"`
}

// Store resolves dialed numbers to tenants. Implementations must be safe
// for concurrent use.
type Store interface {
	// ResolveTenant returns the tenant owning the dialed number, or
	// ErrUnknownNumber. Called once per call; the result must be stable for
	// a given number within a call's lifetime.
	ResolveTenant(ctx context.Context, dialedNumber string) (*TenantContext, error)
}

// RenderGreeting substitutes the {businessName} and {agentName} placeholders
// in the greeting template.
func (t *TenantContext) RenderGreeting() string {
	r := strings.NewReplacer(
		"{businessName}", t.BusinessName,
		"{agentName}", t.AgentName,
	)
	return r.Replace(t.Greeting)
}

// Normalize fills defaulted prompt lines and question kinds in place.
// Stores call it before handing the context to a call.
func (t *TenantContext) Normalize() {
	if len(t.Prompts.NudgeLines) == 0 {
		t.Prompts.NudgeLines = []string{DefaultNudgeLine}
	}
	if t.Prompts.GoodbyeLine == "" {
		t.Prompts.GoodbyeLine = DefaultGoodbyeLine
	}
	if t.Prompts.ASRDegradedLine == "" {
		t.Prompts.ASRDegradedLine = DefaultASRDegradedLine
	}
	if t.Prompts.LLMUnavailableLine == "" {
		t.Prompts.LLMUnavailableLine = DefaultLLMUnavailableLine
	}
	if t.Prompts.ApologyLine == "" {
		t.Prompts.ApologyLine = DefaultApologyLine
	}
	if t.Prompts.HandoffLine == "" {
		t.Prompts.HandoffLine = DefaultHandoffLine
	}
	for i := range t.LeadQuestions {
		if t.LeadQuestions[i].Kind == "" {
			t.LeadQuestions[i].Kind = QuestionText
		}
	}
}

// NudgeLine returns the line for the nth nudge (0-based), repeating the last
// configured line when the ladder outruns the list.
func (t *TenantContext) NudgeLine(n int) string {
	if len(t.Prompts.NudgeLines) == 0 {
		return DefaultNudgeLine
	}
	if n >= len(t.Prompts.NudgeLines) {
		n = len(t.Prompts.NudgeLines) - 1
	}
	return t.Prompts.NudgeLines[n]
}

// Validate checks the context for fields the runtime cannot operate without.
func (t *TenantContext) Validate() error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("tenant: id is required"))
	}
	if t.DialedNumber == "" {
		errs = append(errs, errors.New("tenant: dialed_number is required"))
	}
	if t.Greeting == "" {
		errs = append(errs, errors.New("tenant: greeting is required"))
	}
	if t.Voice.VoiceID == "" {
		errs = append(errs, errors.New("tenant: voice.voice_id is required"))
	}
	for i, q := range t.LeadQuestions {
		if q.ID == "" || q.Prompt == "" {
			errs = append(errs, errors.New("tenant: lead question "+q.ID+" missing id or prompt"))
			continue
		}
		if q.Kind != "" && !q.Kind.IsValid() {
			errs = append(errs, errors.New("tenant: lead question "+t.LeadQuestions[i].ID+" has invalid kind "+string(q.Kind)))
		}
	}
	return errors.Join(errs...)
}
