// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to script synthesized audio and inspect the text fragments and
// voice that were submitted.
//
// Example:
//
//	prov := &mock.Provider{
//	    ProviderName: "mock-tts",
//	    Audio:        [][]byte{pcmChunk1, pcmChunk2},
//	}
//	audioCh, _ := prov.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/types"
)

// SynthesizeCall records a single invocation of Provider.SynthesizeStream.
type SynthesizeCall struct {
	// Voice is the VoiceSpec passed to SynthesizeStream.
	Voice types.VoiceSpec

	// Text is the concatenation of all fragments read from the text channel,
	// joined with a single space.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Audio is the sequence of PCM chunks emitted for every synthesis stream.
	Audio [][]byte

	// Unsupported, if true, makes SupportsVoice return false for every voice.
	Unsupported bool

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream before any text is consumed.
	SynthesizeErr error

	// SynthesizeCalls records every completed call to SynthesizeStream in
	// order. A call is recorded once its text channel has been fully drained.
	SynthesizeCalls []SynthesizeCall
}

// Name returns ProviderName, or "mock" if unset.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// SupportsVoice returns !Unsupported.
func (p *Provider) SupportsVoice(types.VoiceSpec) bool { return !p.Unsupported }

// SynthesizeStream drains the text channel, records the call, and emits the
// scripted Audio chunks before closing the returned channel.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceSpec) (<-chan []byte, error) {
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}

	audioCh := make(chan []byte, len(p.Audio)+1)
	go func() {
		defer close(audioCh)

		var fragments []string
		for {
			select {
			case s, ok := <-text:
				if !ok {
					p.mu.Lock()
					p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{
						Voice: voice,
						Text:  strings.Join(fragments, " "),
					})
					p.mu.Unlock()
					for _, chunk := range p.Audio {
						select {
						case audioCh <- chunk:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				fragments = append(fragments, s)
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
