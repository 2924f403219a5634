// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or a
// self-hosted recognizer) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// audio frames and emits two streams of Transcript values — low-latency
// partials for responsiveness and authoritative finals for the call log.
//
// Utterance identity is owned by the caller: the pipeline tags the session
// with the current utterance ID when the voice activity detector opens an
// utterance, and every transcript emitted afterwards carries that ID. This
// keeps IDs stable across provider reconnects.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/voxhall/voxhall/pkg/types"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// ErrUnavailable reports that the recognizer cannot be reached and reconnect
// attempts have been exhausted. The orchestrator switches to its degraded
// policy when it sees this error.
var ErrUnavailable = errors.New("stt: recognizer unavailable")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The telephony pipeline sends
	// 8000.
	SampleRate int

	// Encoding is the wire encoding of the audio chunks, e.g. "mulaw" for the
	// raw carrier frames or "linear16" for decoded PCM. An empty string lets
	// the provider pick its default.
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as business and agent names.
	Keywords []string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes to the provider for
	// transcription. The chunk must match the SampleRate and Encoding agreed
	// in StreamConfig. Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// SetUtterance tags all subsequently emitted transcripts with the given
	// utterance ID. Called by the pipeline at each utterance begin; the ID
	// survives provider reconnects because it is assigned locally.
	SetUtterance(id string)

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These must
	// not be written to the authoritative call log.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that feed the conversation engine and the call artifact.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per live call.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
