package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		event   string
		wantErr bool
	}{
		{
			name:  "connected",
			raw:   `{"event":"connected","protocol":"call","version":"1.0.0"}`,
			event: "connected",
		},
		{
			name: "start",
			raw: `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1",` +
				`"tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},` +
				`"customParameters":{"to":"+15135550100","from":"+15135550199"}}}`,
			event: "start",
		},
		{
			name:  "media",
			raw:   `{"event":"media","media":{"track":"inbound","chunk":"3","timestamp":"60","payload":"AAAA"}}`,
			event: "media",
		},
		{
			name:  "dtmf",
			raw:   `{"event":"dtmf","dtmf":{"track":"inbound","digit":"5"}}`,
			event: "dtmf",
		},
		{
			name:  "stop",
			raw:   `{"event":"stop","stop":{"accountSid":"AC1","callSid":"CA1"}}`,
			event: "stop",
		},
		{
			name:    "missing event",
			raw:     `{"media":{"payload":"AAAA"}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `garbage`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := parseEnvelope([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Event != tt.event {
				t.Errorf("event = %q, want %q", env.Event, tt.event)
			}
		})
	}
}

func TestParseEnvelopeStartFields(t *testing.T) {
	raw := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1",` +
		`"customParameters":{"to":"+15135550100","from":"+15135550199"}}}`
	env, err := parseEnvelope([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	info, err := validateStart(env.Start)
	if err != nil {
		t.Fatal(err)
	}
	if info.CallSid != "CA1" || info.StreamSid != "MZ1" || info.AccountSid != "AC1" {
		t.Errorf("info = %+v", info)
	}
	if info.To != "+15135550100" || info.From != "+15135550199" {
		t.Errorf("to/from = %q/%q", info.To, info.From)
	}
}

func TestValidateStartMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		start StartPayload
	}{
		{"no streamSid", StartPayload{CallSid: "CA1", AccountSid: "AC1",
			CustomParameters: map[string]string{"to": "+1"}}},
		{"no callSid", StartPayload{StreamSid: "MZ1", AccountSid: "AC1",
			CustomParameters: map[string]string{"to": "+1"}}},
		{"no accountSid", StartPayload{StreamSid: "MZ1", CallSid: "CA1",
			CustomParameters: map[string]string{"to": "+1"}}},
		{"no to", StartPayload{StreamSid: "MZ1", CallSid: "CA1", AccountSid: "AC1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := validateStart(&tt.start); !errors.Is(err, ErrHandshake) {
				t.Errorf("err = %v, want ErrHandshake", err)
			}
		})
	}
}

func TestOutboundEnvelopes(t *testing.T) {
	media := mediaEnvelope("MZ1", "AAAA")
	data, err := json.Marshal(media)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`
	if string(data) != want {
		t.Errorf("media = %s, want %s", data, want)
	}

	mark := markEnvelope("MZ1", "turn-7")
	data, _ = json.Marshal(mark)
	want = `{"event":"mark","streamSid":"MZ1","mark":{"name":"turn-7"}}`
	if string(data) != want {
		t.Errorf("mark = %s, want %s", data, want)
	}

	clear := clearEnvelope("MZ1")
	data, _ = json.Marshal(clear)
	want = `{"event":"clear","streamSid":"MZ1"}`
	if string(data) != want {
		t.Errorf("clear = %s, want %s", data, want)
	}

	tr := transferEnvelope("MZ1", "+15135550900")
	data, _ = json.Marshal(tr)
	want = `{"event":"transfer","streamSid":"MZ1","transfer":{"to":"+15135550900"}}`
	if string(data) != want {
		t.Errorf("transfer = %s, want %s", data, want)
	}
}
