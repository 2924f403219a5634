// Package openai provides an OpenAI speech API-backed TTS provider. It is the
// last-resort synthesizer in the fallback chain: batch HTTP per sentence, a
// fixed voice catalogue, and plain PCM output.
//
// Because the speech endpoint operates in batch mode (one HTTP call per
// utterance rather than a streaming socket), SynthesizeStream dispatches one
// request per incoming text fragment and emits the decoded audio in fixed-size
// chunks, preserving sentence order.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxhall/voxhall/pkg/audio"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/types"
)

const (
	defaultVoice = "alloy"

	// The speech endpoint returns 24 kHz 16-bit mono PCM; it is resampled to
	// the 8 kHz carrier rate before emission.
	speechSampleRate = 24000

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// knownVoices is the fixed voice catalogue of the speech endpoint.
var knownVoices = map[string]oai.AudioSpeechNewParamsVoice{
	"alloy":   oai.AudioSpeechNewParamsVoiceAlloy,
	"ash":     oai.AudioSpeechNewParamsVoiceAsh,
	"ballad":  oai.AudioSpeechNewParamsVoiceBallad,
	"coral":   oai.AudioSpeechNewParamsVoiceCoral,
	"echo":    oai.AudioSpeechNewParamsVoiceEcho,
	"fable":   oai.AudioSpeechNewParamsVoice("fable"),
	"onyx":    oai.AudioSpeechNewParamsVoice("onyx"),
	"nova":    oai.AudioSpeechNewParamsVoice("nova"),
	"sage":    oai.AudioSpeechNewParamsVoiceSage,
	"shimmer": oai.AudioSpeechNewParamsVoiceShimmer,
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the speech model (e.g., "gpt-4o-mini-tts", "tts-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider implements tts.Provider backed by the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
}

// New creates a new OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	p := &Provider{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  string(oai.SpeechModelGPT4oMiniTTS),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies this provider in logs and fallback records.
func (p *Provider) Name() string { return "openai" }

// SupportsVoice always reports true: as the last-resort provider it accepts
// any spec and substitutes its default voice when the requested voice ID is
// not in the catalogue.
func (p *Provider) SupportsVoice(types.VoiceSpec) bool { return true }

// voiceFor maps a VoiceSpec onto a catalogue voice, defaulting to alloy.
func voiceFor(voice types.VoiceSpec) oai.AudioSpeechNewParamsVoice {
	if v, ok := knownVoices[strings.ToLower(voice.VoiceID)]; ok {
		return v
	}
	return knownVoices[defaultVoice]
}

// SynthesizeStream dispatches one speech request per text fragment and emits
// the resampled audio in order. The returned channel is closed when all text
// has been synthesised or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceSpec) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	v := voiceFor(voice)
	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				pcm, err := p.synthesize(ctx, sentence, v)
				if err != nil {
					// Closing early signals synthesis failure to the caller.
					return
				}
				if !emitChunks(ctx, audioCh, pcm) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesize performs one batch speech request and returns carrier-rate PCM.
func (p *Provider) synthesize(ctx context.Context, text string, voice oai.AudioSpeechNewParamsVoice) ([]byte, error) {
	res, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          voice,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: speech request: %w: %w", tts.ErrUnavailable, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}
	return audio.ResampleMono16(raw, speechSampleRate, audio.CarrierSampleRate), nil
}

// emitChunks delivers pcm on ch in fixed-size chunks. Returns false if ctx was
// cancelled mid-delivery.
func emitChunks(ctx context.Context, ch chan<- []byte, pcm []byte) bool {
	for len(pcm) > 0 {
		n := min(len(pcm), pcmChunkSize)
		select {
		case ch <- pcm[:n]:
			pcm = pcm[n:]
		case <-ctx.Done():
			return false
		}
	}
	return true
}
