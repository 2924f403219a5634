package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/types"
)

// TTSChain implements [tts.Provider] over an ordered primary → secondary →
// last-resort set of synthesizers, each behind its own breaker. Entries that
// do not support the requested voice are skipped, so the last entry should
// accept any voice.
//
// Serving from anything but the first entry is never silent: a voice_fallback
// log entry is written and the OnFallback hook (if set) fires, which is how
// the fallback counter gets incremented.
type TTSChain struct {
	entries []chainEntry[tts.Provider]
	cfg     ChainConfig

	// OnFallback is invoked with the primary and serving provider names each
	// time a non-primary entry serves a synthesis. Optional.
	OnFallback func(from, to string)
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSChain)(nil)

// NewTTSChain creates a chain with primary as the preferred synthesizer.
func NewTTSChain(primary tts.Provider, cfg ChainConfig) *TTSChain {
	c := &TTSChain{cfg: cfg}
	c.Add(primary)
	return c
}

// Add appends a fallback synthesizer. Fallbacks are tried in the order added.
func (c *TTSChain) Add(p tts.Provider) {
	bcfg := c.cfg.Breaker
	bcfg.Name = p.Name()
	c.entries = append(c.entries, chainEntry[tts.Provider]{
		name:    p.Name(),
		value:   p,
		breaker: NewBreaker(bcfg),
	})
}

// Name identifies the chain by its primary synthesizer.
func (c *TTSChain) Name() string {
	if len(c.entries) == 0 {
		return "tts-chain"
	}
	return c.entries[0].name
}

// SupportsVoice reports whether any entry can render the voice.
func (c *TTSChain) SupportsVoice(voice types.VoiceSpec) bool {
	for i := range c.entries {
		if c.entries[i].value.SupportsVoice(voice) {
			return true
		}
	}
	return false
}

// SynthesizeStream opens a synthesis stream on the first healthy entry that
// supports the voice. Only stream establishment participates in failover;
// once a stream is open, mid-stream errors belong to the caller.
func (c *TTSChain) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceSpec) (<-chan []byte, error) {
	var lastErr error
	for i := range c.entries {
		e := &c.entries[i]
		if !e.value.SupportsVoice(voice) {
			slog.Debug("skipping synthesizer, voice unsupported",
				"provider", e.name, "voice", voice.VoiceID)
			continue
		}

		var audio <-chan []byte
		err := e.breaker.Do(func() error {
			var inner error
			audio, inner = e.value.SynthesizeStream(ctx, text, voice)
			return inner
		})
		if err == nil {
			if i > 0 {
				slog.Warn("voice_fallback",
					"from", c.entries[0].name,
					"to", e.name,
					"voice", voice.VoiceID)
				if c.OnFallback != nil {
					c.OnFallback(c.entries[0].name, e.name)
				}
			}
			return audio, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping synthesizer, breaker open", "provider", e.name)
		} else {
			slog.Warn("synthesizer failed, trying next", "provider", e.name, "error", err)
		}
	}
	if lastErr == nil {
		lastErr = tts.ErrVoiceUnsupported
	}
	return nil, joinAllFailed(lastErr)
}
