// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that sessions are opened with the expected
// StreamConfig. Use Session to inject transcripts into the partial and final
// channels and to inspect the audio that was submitted.
//
// Example:
//
//	sess := mock.NewSession()
//	prov := &mock.Provider{Session: sess}
//	handle, _ := prov.StartStream(ctx, cfg)
//	sess.EmitFinal(types.Transcript{UtteranceID: "u1", Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/voxhall/voxhall/pkg/provider/stt"
	"github.com/voxhall/voxhall/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream in order.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Create it with
// NewSession so the transcript channels are initialized.
type Session struct {
	mu sync.Mutex

	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// --- Call records ---

	// AudioChunks records a copy of every chunk passed to SendAudio.
	AudioChunks [][]byte

	// Utterances records every ID passed to SetUtterance in order.
	Utterances []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a ready mock session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
	}
}

// SendAudio records the chunk and returns SendAudioErr, or ErrSessionClosed
// after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return s.SendAudioErr
}

// SetUtterance records the utterance ID.
func (s *Session) SetUtterance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Utterances = append(s.Utterances, id)
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// EmitPartial delivers a partial transcript to the Partials channel.
func (s *Session) EmitPartial(t types.Transcript) { s.partials <- t }

// EmitFinal delivers a final transcript to the Finals channel.
func (s *Session) EmitFinal(t types.Transcript) { s.finals <- t }

// Close marks the session closed and closes both transcript channels.
// Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
