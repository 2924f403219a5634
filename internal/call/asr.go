package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhall/voxhall/internal/resilience"
	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/stt"
	"github.com/voxhall/voxhall/pkg/types"
)

const (
	// asrReplayFrames is how much in-flight audio is kept for replay after a
	// reconnect: 2 seconds at the carrier rate.
	asrReplayFrames = 2 * audio.FramesPerSecond

	// asrFailureLimit and asrFailureWindow define the degraded escalation:
	// this many reconnect failures inside the window marks the recognizer
	// unavailable for the rest of the call.
	asrFailureLimit  = 3
	asrFailureWindow = 10 * time.Second
)

// asrSession wraps an stt.SessionHandle with transparent reconnects. The
// current utterance ID is reapplied and up to 2 s of recent audio is replayed
// after each reconnect, so transcripts stay attributed to the right
// utterance. When reconnects keep failing inside the escalation window,
// SendAudio returns stt.ErrUnavailable and the session stays down.
type asrSession struct {
	provider stt.Provider
	cfg      stt.StreamConfig

	finals chan types.Transcript
	done   chan struct{}
	pumps  sync.WaitGroup

	mu          sync.Mutex
	cur         stt.SessionHandle
	utteranceID string
	replay      [][]byte
	window      *resilience.FailureWindow
	down        bool
	closed      bool
}

// newASRSession opens the initial recognizer stream.
func newASRSession(ctx context.Context, provider stt.Provider, cfg stt.StreamConfig) (*asrSession, error) {
	s := &asrSession{
		provider: provider,
		cfg:      cfg,
		finals:   make(chan types.Transcript, 64),
		done:     make(chan struct{}),
		window:   resilience.NewFailureWindow(asrFailureLimit, asrFailureWindow),
	}
	sess, err := provider.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("call: start recognizer: %w", err)
	}
	s.cur = sess
	s.pumps.Add(1)
	go s.pump(sess)
	return s, nil
}

// Finals returns the channel of final transcripts, stable across reconnects.
// Closed by Close.
func (s *asrSession) Finals() <-chan types.Transcript { return s.finals }

// SetUtterance tags subsequent transcripts with the utterance ID. The ID is
// assigned locally so it survives reconnects.
func (s *asrSession) SetUtterance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utteranceID = id
	if s.cur != nil {
		s.cur.SetUtterance(id)
	}
}

// SendAudio forwards one carrier frame, reconnecting on failure. Returns
// stt.ErrUnavailable once the escalation window has tripped.
func (s *asrSession) SendAudio(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.down {
		return stt.ErrUnavailable
	}

	s.buffer(frame)
	if s.cur != nil {
		if err := s.cur.SendAudio(frame); err == nil {
			return nil
		}
	}
	return s.reconnectLocked(ctx)
}

// buffer keeps the last 2 s of audio for post-reconnect replay.
func (s *asrSession) buffer(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.replay = append(s.replay, cp)
	if len(s.replay) > asrReplayFrames {
		s.replay = s.replay[len(s.replay)-asrReplayFrames:]
	}
}

// reconnectLocked replaces the dead stream, retrying per the transient-error
// policy, and replays the buffered audio. Caller holds s.mu.
func (s *asrSession) reconnectLocked(ctx context.Context) error {
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		sess, err := s.provider.StartStream(ctx, s.cfg)
		if err != nil {
			return err
		}
		if s.utteranceID != "" {
			sess.SetUtterance(s.utteranceID)
		}
		for _, f := range s.replay {
			if err := sess.SendAudio(f); err != nil {
				_ = sess.Close()
				return err
			}
		}
		s.cur = sess
		s.pumps.Add(1)
		go s.pump(sess)
		return nil
	})
	if err == nil {
		slog.Info("recognizer reconnected", "replayed_frames", len(s.replay))
		return nil
	}

	if s.window.Record() {
		s.down = true
		slog.Error("recognizer unavailable, entering degraded mode", "error", err)
		return stt.ErrUnavailable
	}
	return fmt.Errorf("call: recognizer reconnect: %w", err)
}

// pump copies finals from one underlying stream to the stable channel. It
// exits when that stream's channel closes; a replacement stream gets its own
// pump.
func (s *asrSession) pump(sess stt.SessionHandle) {
	defer s.pumps.Done()
	for t := range sess.Finals() {
		select {
		case s.finals <- t:
		case <-s.done:
			return
		}
	}
}

// Close shuts the wrapper down and closes Finals.
func (s *asrSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()

	close(s.done)
	if cur != nil {
		_ = cur.Close()
	}
	s.pumps.Wait()
	close(s.finals)
	return nil
}
