// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine decides, frame by frame, whether the caller is speaking. Each
// session maintains its own internal state (noise floor history, hysteresis
// counters) so that concurrent calls can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency pipeline stage that
// gates ASR input and triggers barge-in.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"time"

	"github.com/voxhall/voxhall/pkg/types"
)

// Config holds the parameters for a VAD session. Zero values select the
// defaults documented per field.
type Config struct {
	// ThresholdRatio is the multiple of the noise floor above which a frame is
	// classified as speech. Default: 2.5.
	ThresholdRatio float64

	// OnFrames is the number of consecutive speech frames required to enter
	// the speaking state. Default: 3 (60 ms).
	OnFrames int

	// OffFrames is the number of consecutive silence frames required to end
	// an utterance. Default: 25 (500 ms). Tenant-configurable within the
	// range 15–75 (300–1500 ms).
	OffFrames int

	// CalibrationFrames is the length of the initial noise-floor calibration
	// window, during which no speech events are emitted. Default: 50 (1 s).
	CalibrationFrames int

	// MinUtterance is the minimum utterance length; shorter utterances are
	// dropped as noise. Default: 100 ms.
	MinUtterance time.Duration
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live detector. Each session maintains its own state; Reset clears this state
// without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single 20 ms µ-law carrier frame and returns the
	// detection result. Returns an error if the frame size is wrong or the
	// session is closed.
	//
	// This method is designed to be called synchronously in the audio pipeline
	// loop; it must not block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears all accumulated detection state, including the calibration
	// window, without closing the session. Use this when the audio stream is
	// interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame must return an error. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (threshold out of
	// range, hysteresis windows inverted).
	NewSession(cfg Config) (SessionHandle, error)
}
