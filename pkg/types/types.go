// Package types defines the shared types used across all Voxhall packages.
//
// These types form the lingua franca between the media transport, the speech
// providers, and the call orchestrator. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// Speaker identifies which party of a call produced an utterance or turn.
type Speaker string

const (
	// SpeakerCaller is the human on the carrier side of the call.
	SpeakerCaller Speaker = "caller"

	// SpeakerAgent is the AI voice agent.
	SpeakerAgent Speaker = "agent"
)

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// UtteranceID ties this transcript to a VAD-delimited utterance. The ID is
	// stable across partials and the final for the same utterance, and is
	// preserved across provider reconnects.
	UtteranceID string

	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Only finals may be written to the call record.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to call start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolCallStatus enumerates the lifecycle states of an executed tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallCancelled ToolCallStatus = "cancelled"
)

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceSpec describes a TTS voice configuration for a tenant's agent.
type VoiceSpec struct {
	// Provider identifies which TTS provider this voice belongs to
	// (e.g., "elevenlabs", "openai").
	Provider string

	// VoiceID is the provider-specific voice identifier.
	VoiceID string

	// Stability controls synthesis consistency (0.0–1.0, provider-specific).
	Stability float64

	// Similarity controls voice similarity boost (0.0–1.0, provider-specific).
	Similarity float64

	// Style controls expressiveness (0.0–1.0, provider-specific).
	Style float64
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech detected.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun (utterance_begin).
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended (utterance_end).
	VADSpeechEnd

	// VADCalibrating indicates the detector is still establishing its noise
	// floor; no speech events are emitted during this window.
	VADCalibrating
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADCalibrating:
		return "calibrating"
	default:
		return "unknown"
	}
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Timestamp is the frame's position relative to stream start.
	Timestamp time.Duration

	// Duration is the utterance length; set only on VADSpeechEnd.
	Duration time.Duration

	// Energy is the RMS energy of the frame, for telemetry.
	Energy float64
}

// TerminalCause enumerates why a call ended.
type TerminalCause string

const (
	CauseHangup         TerminalCause = "hangup"
	CauseTransfer       TerminalCause = "transfer"
	CauseEndCallTool    TerminalCause = "end_call_tool"
	CauseTransportError TerminalCause = "transport_error"
	CauseTimeout        TerminalCause = "timeout"
)
