// Package telephony terminates the carrier's bidirectional media stream: a
// WebSocket carrying newline-delimited JSON envelopes with base64 µ-law audio
// at 8 kHz. It exposes each call as a [MediaSession] — an inbound frame
// stream, an outbound frame sink with bounded buffering, and a lifecycle
// event stream — so the rest of the pipeline never touches the wire format.
package telephony

import (
	"encoding/json"
	"fmt"
)

// Envelope is the top-level carrier message. Exactly one payload field is set,
// selected by Event.
type Envelope struct {
	Event     string `json:"event"`
	Protocol  string `json:"protocol,omitempty"`
	Version   string `json:"version,omitempty"`
	StreamSid string `json:"streamSid,omitempty"`

	Start    *StartPayload    `json:"start,omitempty"`
	Media    *MediaPayload    `json:"media,omitempty"`
	DTMF     *DTMFPayload     `json:"dtmf,omitempty"`
	Stop     *StopPayload     `json:"stop,omitempty"`
	Mark     *MarkPayload     `json:"mark,omitempty"`
	Transfer *TransferPayload `json:"transfer,omitempty"`
}

// StartPayload is the call metadata delivered once after "connected".
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat describes the audio encoding negotiated for the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one 20 ms audio frame. Chunk and Timestamp are decimal
// strings on the wire.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 µ-law, 160 bytes decoded
}

// DTMFPayload reports a keypad digit pressed by the caller.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// StopPayload is the terminal message of a stream.
type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// MarkPayload echoes a named playback marker. The carrier returns a mark after
// all media queued before it has been played — used to detect TTS flush.
type MarkPayload struct {
	Name string `json:"name"`
}

// TransferPayload is the outbound directive redirecting the call to another
// number. Carrier-side extension; consumed by the media gateway, never
// received inbound.
type TransferPayload struct {
	To string `json:"to"`
}

// parseEnvelope decodes a single wire message.
func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("telephony: decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("telephony: envelope missing event field")
	}
	return env, nil
}

// mediaEnvelope builds an outbound media message for streamSid with the given
// base64 payload.
func mediaEnvelope(streamSid, payload string) Envelope {
	return Envelope{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: payload},
	}
}

// markEnvelope builds an outbound mark message.
func markEnvelope(streamSid, name string) Envelope {
	return Envelope{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      &MarkPayload{Name: name},
	}
}

// clearEnvelope builds the message that flushes the carrier's jitter buffer.
func clearEnvelope(streamSid string) Envelope {
	return Envelope{Event: "clear", StreamSid: streamSid}
}

// transferEnvelope builds the outbound warm-transfer directive.
func transferEnvelope(streamSid, to string) Envelope {
	return Envelope{
		Event:     "transfer",
		StreamSid: streamSid,
		Transfer:  &TransferPayload{To: to},
	}
}
