package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/telephony"
	"github.com/voxhall/voxhall/pkg/types"
)

// pcmFrameBytes is one 20 ms frame of 16-bit PCM at the carrier rate.
const pcmFrameBytes = 2 * audio.FrameBytes

// paceLeadFrames is how far ahead of the playout clock synthesis may enqueue
// audio: one second of lead absorbs provider jitter while staying inside the
// transport's two-second outbound ring.
const paceLeadFrames = audio.FramesPerSecond

// mediaOut is the outbound half of the media session the speaker writes to.
type mediaOut interface {
	Send(frame []byte)
	SendMark(ctx context.Context, name string) error
}

// speaker converts one turn's text fragments into paced µ-law frames on the
// media stream. One speaker is created per speech turn; the session keeps a
// handle to observe what was actually spoken when a barge-in cuts the turn
// short.
type speaker struct {
	media   mediaOut
	tts     tts.Provider
	voice   types.VoiceSpec
	metrics *observe.Metrics

	mu       sync.Mutex
	spoken   []string
	started  time.Time
	firstSet bool
}

func newSpeaker(media mediaOut, p tts.Provider, voice types.VoiceSpec, metrics *observe.Metrics) *speaker {
	return &speaker{media: media, tts: p, voice: voice, metrics: metrics}
}

// Spoken returns the text fragments that were handed to synthesis so far.
// Safe to call concurrently with speak; used on barge-in to record what the
// caller actually heard.
func (s *speaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

// speak synthesises fragments from text and enqueues the audio as 160-byte
// µ-law frames, then sends the named playback marker. Enqueueing is paced to
// run at most paceLeadFrames ahead of real time, so a long line cannot
// overrun the transport's bounded outbound buffer. It returns when all audio
// is enqueued or when ctx is cancelled. A trailing partial frame is
// zero-padded.
func (s *speaker) speak(ctx context.Context, text <-chan string, markName string) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	// Tap the text stream so Spoken reflects what entered synthesis.
	tapped := make(chan string, 16)
	go func() {
		defer close(tapped)
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					return
				}
				s.mu.Lock()
				s.spoken = append(s.spoken, frag)
				s.mu.Unlock()
				select {
				case tapped <- frag:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	audioCh, err := s.tts.SynthesizeStream(ctx, tapped, s.voice)
	if err != nil {
		return fmt.Errorf("call: start synthesis: %w", err)
	}

	start := time.Now()
	sent := 0
	var pcm []byte
	for chunk := range audioCh {
		if ctx.Err() != nil {
			// Drain so the provider goroutine can exit.
			continue
		}
		pcm = append(pcm, chunk...)
		for len(pcm) >= pcmFrameBytes {
			if pace(ctx, start, sent) != nil {
				break
			}
			s.sendFrame(ctx, pcm[:pcmFrameBytes])
			sent++
			pcm = pcm[pcmFrameBytes:]
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(pcm) > 0 {
		if err := pace(ctx, start, sent); err != nil {
			return err
		}
		padded := make([]byte, pcmFrameBytes)
		copy(padded, pcm)
		s.sendFrame(ctx, padded)
	}

	if markName != "" {
		if err := s.media.SendMark(ctx, markName); err != nil {
			return fmt.Errorf("call: send mark: %w", err)
		}
	}
	return nil
}

// pace blocks until frame n is within paceLeadFrames of the playout clock
// that began at start.
func pace(ctx context.Context, start time.Time, n int) error {
	if n < paceLeadFrames {
		return nil
	}
	due := start.Add(time.Duration(n-paceLeadFrames) * audio.FrameDurationMs * time.Millisecond)
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *speaker) sendFrame(ctx context.Context, pcm []byte) {
	s.mu.Lock()
	if !s.firstSet {
		s.firstSet = true
		if s.metrics != nil {
			s.metrics.TTSFirstFrame.Record(ctx, time.Since(s.started).Seconds())
		}
	}
	s.mu.Unlock()
	s.media.Send(audio.EncodeULaw(pcm))
}

// sayOnce is a convenience for canned lines: it speaks a single fragment
// through a fresh speaker and returns it, for history and record keeping.
func sayOnce(ctx context.Context, media mediaOut, p tts.Provider, voice types.VoiceSpec, metrics *observe.Metrics, line, markName string) error {
	text := make(chan string, 1)
	text <- line
	close(text)
	sp := newSpeaker(media, p, voice, metrics)
	return sp.speak(ctx, text, markName)
}

// announceMark names the playback marker for pre-session announcements.
const announceMark = "announce"

// Announce speaks one canned line on a stream that never got a session, such
// as calls rejected at admission or dialed numbers with no tenant, then waits
// for the carrier to confirm playout before returning, so the caller can
// close the stream without cutting the line short.
func Announce(ctx context.Context, media MediaStream, p tts.Provider, voice types.VoiceSpec, line string) error {
	if err := sayOnce(ctx, media, p, voice, nil, line, announceMark); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-media.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case telephony.EventMark:
				if ev.Mark == announceMark {
					return nil
				}
			case telephony.EventStop:
				return nil
			case telephony.EventTransportError:
				return ev.Err
			}
		}
	}
}
