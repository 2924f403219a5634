package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"

	ttsmock "github.com/voxhall/voxhall/pkg/provider/tts/mock"
	"github.com/voxhall/voxhall/pkg/types"
)

func synthesize(t *testing.T, c *TTSChain, voice types.VoiceSpec) ([]byte, error) {
	t.Helper()
	text := make(chan string, 1)
	text <- "Hello there."
	close(text)

	audio, err := c.SynthesizeStream(context.Background(), text, voice)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for chunk := range audio {
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}

func TestTTSChainPrimaryServes(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "elevenlabs", Audio: [][]byte{{1, 2}}}
	fallback := &ttsmock.Provider{ProviderName: "openai", Audio: [][]byte{{9, 9}}}

	c := NewTTSChain(primary, ChainConfig{})
	c.Add(fallback)
	fell := false
	c.OnFallback = func(from, to string) { fell = true }

	got, err := synthesize(t, c, types.VoiceSpec{VoiceID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("audio = %v, want primary's chunks", got)
	}
	if fell {
		t.Error("OnFallback fired for a primary-served synthesis")
	}
	if len(fallback.SynthesizeCalls) != 0 {
		t.Error("fallback was consulted")
	}
}

func TestTTSChainFallsBackOnError(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "elevenlabs", SynthesizeErr: errTest}
	fallback := &ttsmock.Provider{ProviderName: "openai", Audio: [][]byte{{9, 9}}}

	c := NewTTSChain(primary, ChainConfig{})
	c.Add(fallback)
	var from, to string
	c.OnFallback = func(f, t string) { from, to = f, t }

	got, err := synthesize(t, c, types.VoiceSpec{VoiceID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Errorf("audio = %v, want fallback's chunks", got)
	}
	if from != "elevenlabs" || to != "openai" {
		t.Errorf("OnFallback(%q, %q), want elevenlabs → openai", from, to)
	}
}

func TestTTSChainSkipsUnsupportedVoice(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "elevenlabs", Unsupported: true}
	fallback := &ttsmock.Provider{ProviderName: "openai", Audio: [][]byte{{9}}}

	c := NewTTSChain(primary, ChainConfig{})
	c.Add(fallback)

	got, err := synthesize(t, c, types.VoiceSpec{VoiceID: "weird"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{9}) {
		t.Errorf("audio = %v, want fallback's chunks", got)
	}
}

func TestTTSChainAllFailed(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "elevenlabs", SynthesizeErr: errTest}
	fallback := &ttsmock.Provider{ProviderName: "openai", SynthesizeErr: errTest}

	c := NewTTSChain(primary, ChainConfig{})
	c.Add(fallback)

	_, err := synthesize(t, c, types.VoiceSpec{VoiceID: "v1"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSChainSupportsVoice(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "elevenlabs", Unsupported: true}
	c := NewTTSChain(primary, ChainConfig{})
	if c.SupportsVoice(types.VoiceSpec{VoiceID: "v1"}) {
		t.Error("SupportsVoice = true with no supporting entry")
	}

	c.Add(&ttsmock.Provider{ProviderName: "openai"})
	if !c.SupportsVoice(types.VoiceSpec{VoiceID: "v1"}) {
		t.Error("SupportsVoice = false with a supporting fallback")
	}
}

func TestTTSChainName(t *testing.T) {
	c := NewTTSChain(&ttsmock.Provider{ProviderName: "elevenlabs"}, ChainConfig{})
	if c.Name() != "elevenlabs" {
		t.Errorf("Name() = %q, want elevenlabs", c.Name())
	}
}
