// Package energy implements voice activity detection from per-frame RMS
// energy against an adaptive noise floor.
//
// The detector classifies a 20 ms frame as speech iff its RMS energy exceeds
// the noise floor times a threshold ratio. The floor is the 20th percentile of
// the last two seconds of silence frames, so it tracks slow changes in line
// noise without being dragged up by speech. Hysteresis counters debounce the
// speaking transitions, and utterances shorter than a minimum length are
// dropped as noise.
//
// The first second of a stream is a calibration window: no speech events are
// emitted while the initial floor is established. If the caller talks over
// the calibration window, the floor is clamped to the 10th percentile so a
// chatty start does not inflate it.
package energy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/vad"
	"github.com/voxhall/voxhall/pkg/types"
)

// Detection defaults, in 20 ms frames unless noted.
const (
	defaultThresholdRatio = 2.5
	defaultOnFrames       = 3  // 60 ms
	defaultOffFrames      = 25 // 500 ms
	defaultCalibration    = 50 // 1 s
	defaultMinUtterance   = 100 * time.Millisecond

	// silenceWindow is how many silence frames feed the noise floor (2 s).
	silenceWindow = 2 * audio.FramesPerSecond

	// floorMin guards against a hair-trigger threshold on digitally silent
	// lines.
	floorMin = 1.0
)

// ErrClosed is returned by ProcessFrame after the session has been closed.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg, applies defaults, and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.ThresholdRatio == 0 {
		cfg.ThresholdRatio = defaultThresholdRatio
	}
	if cfg.OnFrames == 0 {
		cfg.OnFrames = defaultOnFrames
	}
	if cfg.OffFrames == 0 {
		cfg.OffFrames = defaultOffFrames
	}
	if cfg.CalibrationFrames == 0 {
		cfg.CalibrationFrames = defaultCalibration
	}
	if cfg.MinUtterance == 0 {
		cfg.MinUtterance = defaultMinUtterance
	}

	switch {
	case cfg.ThresholdRatio <= 1:
		return nil, fmt.Errorf("energy: threshold ratio %.2f must be > 1", cfg.ThresholdRatio)
	case cfg.OnFrames < 1:
		return nil, fmt.Errorf("energy: on frames %d must be >= 1", cfg.OnFrames)
	case cfg.OffFrames < cfg.OnFrames:
		return nil, fmt.Errorf("energy: off frames %d must be >= on frames %d",
			cfg.OffFrames, cfg.OnFrames)
	}

	return &session{
		cfg:     cfg,
		cal:     make([]float64, 0, cfg.CalibrationFrames),
		silence: make([]float64, 0, silenceWindow),
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session is the per-stream detector state. Not safe for concurrent use.
type session struct {
	cfg vad.Config

	frame int // frames processed so far

	cal   []float64 // calibration energies; nil once calibrated
	floor float64

	silence []float64 // rolling silence energies, newest last

	speaking   bool
	onRun      int
	offRun     int
	utterStart time.Duration

	closed bool
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, ErrClosed
	}
	if len(frame) != audio.FrameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame size %d, want %d",
			len(frame), audio.FrameBytes)
	}

	e := audio.FrameEnergy(frame)
	ts := time.Duration(s.frame) * audio.FrameDurationMs * time.Millisecond
	s.frame++

	if s.cal != nil {
		return s.calibrate(e, ts), nil
	}
	return s.detect(e, ts), nil
}

// calibrate accumulates the initial window and derives the starting floor.
func (s *session) calibrate(e float64, ts time.Duration) types.VADEvent {
	s.cal = append(s.cal, e)
	if len(s.cal) < s.cfg.CalibrationFrames {
		return types.VADEvent{Type: types.VADCalibrating, Timestamp: ts, Energy: e}
	}

	floor := percentile(s.cal, 20)
	// Speech over the calibration window drags the distribution up; clamp to
	// the 10th percentile when the window contains speech-like frames.
	for _, ce := range s.cal {
		if ce > floor*s.cfg.ThresholdRatio {
			floor = percentile(s.cal, 10)
			break
		}
	}
	s.floor = max(floor, floorMin)

	// Seed the silence history with the quiet part of the window.
	for _, ce := range s.cal {
		if ce <= s.floor*s.cfg.ThresholdRatio {
			s.pushSilence(ce)
		}
	}
	s.cal = nil

	return types.VADEvent{Type: types.VADCalibrating, Timestamp: ts, Energy: e}
}

// detect runs the hysteresis state machine for one calibrated frame.
func (s *session) detect(e float64, ts time.Duration) types.VADEvent {
	frameDur := time.Duration(audio.FrameDurationMs) * time.Millisecond
	speech := e > s.floor*s.cfg.ThresholdRatio

	if speech {
		if s.speaking {
			s.offRun = 0
			return types.VADEvent{Type: types.VADSpeechContinue, Timestamp: ts, Energy: e}
		}
		s.onRun++
		if s.onRun < s.cfg.OnFrames {
			return types.VADEvent{Type: types.VADSilence, Timestamp: ts, Energy: e}
		}
		s.speaking = true
		s.onRun = 0
		s.offRun = 0
		s.utterStart = ts - time.Duration(s.cfg.OnFrames-1)*frameDur
		return types.VADEvent{Type: types.VADSpeechStart, Timestamp: s.utterStart, Energy: e}
	}

	s.pushSilence(e)
	s.floor = max(percentile(s.silence, 20), floorMin)

	if !s.speaking {
		s.onRun = 0
		return types.VADEvent{Type: types.VADSilence, Timestamp: ts, Energy: e}
	}

	s.offRun++
	if s.offRun < s.cfg.OffFrames {
		// Hangover: still inside the utterance.
		return types.VADEvent{Type: types.VADSpeechContinue, Timestamp: ts, Energy: e}
	}

	s.speaking = false
	s.offRun = 0
	end := ts - time.Duration(s.cfg.OffFrames-1)*frameDur
	dur := end - s.utterStart
	if dur < s.cfg.MinUtterance {
		// Too short to be speech; discard without an utterance end.
		return types.VADEvent{Type: types.VADSilence, Timestamp: ts, Energy: e}
	}
	return types.VADEvent{Type: types.VADSpeechEnd, Timestamp: end, Duration: dur, Energy: e}
}

// pushSilence appends one silence energy, evicting beyond the 2 s window.
func (s *session) pushSilence(e float64) {
	if len(s.silence) == silenceWindow {
		copy(s.silence, s.silence[1:])
		s.silence = s.silence[:silenceWindow-1]
	}
	s.silence = append(s.silence, e)
}

func (s *session) Reset() {
	s.frame = 0
	s.cal = make([]float64, 0, s.cfg.CalibrationFrames)
	s.floor = 0
	s.silence = s.silence[:0]
	s.speaking = false
	s.onRun = 0
	s.offRun = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// percentile returns the p-th percentile of values using nearest-rank on a
// sorted copy.
func percentile(values []float64, p int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := p * (len(sorted) - 1) / 100
	return sorted[idx]
}
