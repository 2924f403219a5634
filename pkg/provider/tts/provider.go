// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio bytes as they become available —
// enabling low-latency pipelining between the LLM output and the outbound
// media stream.
//
// Audio contract: providers emit 16-bit little-endian mono PCM at 8000 Hz,
// ready for µ-law encoding onto the carrier leg. Cancelling the context stops
// further emission within 100 ms; this bound is what makes barge-in cutover
// possible.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/voxhall/voxhall/pkg/types"
)

// ErrVoiceUnsupported reports that the requested voice is not available on
// this provider. The fallback chain uses it to advance to the next provider.
var ErrVoiceUnsupported = errors.New("tts: voice not supported")

// ErrUnavailable reports that the synthesis service cannot be reached.
var ErrUnavailable = errors.New("tts: synthesizer unavailable")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel, one per live call.
type Provider interface {
	// Name identifies the provider in logs and fallback records
	// (e.g., "elevenlabs", "openai").
	Name() string

	// SupportsVoice reports whether the provider can synthesize the given
	// voice. The fallback chain consults this capability map before opening a
	// stream so an unsupported voice never costs a network round trip.
	SupportsVoice(voice types.VoiceSpec) bool

	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. This design allows the caller to pipe LLM streaming output
	// directly into synthesis without waiting for the full text to be
	// available.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceSpec) (<-chan []byte, error)
}
