package openai

import (
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/voxhall/voxhall/pkg/types"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("empty API key accepted")
	}
}

func TestVoiceFor(t *testing.T) {
	tests := []struct {
		name  string
		voice types.VoiceSpec
		want  oai.AudioSpeechNewParamsVoice
	}{
		{"catalogue voice", types.VoiceSpec{VoiceID: "nova"}, oai.AudioSpeechNewParamsVoice("nova")},
		{"case insensitive", types.VoiceSpec{VoiceID: "Shimmer"}, oai.AudioSpeechNewParamsVoiceShimmer},
		{"unknown falls back", types.VoiceSpec{VoiceID: "some-elevenlabs-id"}, oai.AudioSpeechNewParamsVoiceAlloy},
		{"empty falls back", types.VoiceSpec{}, oai.AudioSpeechNewParamsVoiceAlloy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := voiceFor(tt.voice); got != tt.want {
				t.Errorf("voiceFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSupportsVoiceAlwaysTrue(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatal(err)
	}
	// Last resort: any spec must be accepted.
	if !p.SupportsVoice(types.VoiceSpec{Provider: "elevenlabs", VoiceID: "v1"}) {
		t.Error("foreign voice rejected")
	}
	if !p.SupportsVoice(types.VoiceSpec{}) {
		t.Error("empty voice rejected")
	}
}
