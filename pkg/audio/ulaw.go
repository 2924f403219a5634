// Package audio provides the audio primitives shared by the Voxhall pipeline:
// G.711 µ-law transcoding for the carrier leg, PCM resampling for provider
// legs, and the bounded outbound ring buffer used by the media transport.
//
// The carrier delivers 8 kHz mono µ-law in 20 ms frames (160 bytes). Frame
// energy, VAD, and the outbound pacing loop all operate on that frame size.
package audio

import "math"

// Carrier frame geometry: 8 kHz mono µ-law, 20 ms per frame.
const (
	// CarrierSampleRate is the telephony sample rate in Hz.
	CarrierSampleRate = 8000

	// FrameDurationMs is the duration of one carrier frame in milliseconds.
	FrameDurationMs = 20

	// FrameBytes is the size of one µ-law carrier frame (one byte per sample).
	FrameBytes = CarrierSampleRate * FrameDurationMs / 1000

	// FramesPerSecond is the outbound pacing rate.
	FramesPerSecond = 1000 / FrameDurationMs
)

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawDecodeTable maps each µ-law byte to its linear int16 sample.
var ulawDecodeTable [256]int16

func init() {
	for i := range 256 {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := int16((int(mantissa)<<3 + ulawBias) << exponent)
		sample -= ulawBias
		if sign != 0 {
			sample = -sample
		}
		ulawDecodeTable[i] = sample
	}
}

// DecodeULaw converts µ-law bytes to little-endian int16 PCM.
// The output is 2× the input length.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := ulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeULaw converts little-endian int16 PCM to µ-law bytes.
// Odd trailing bytes are ignored. The output is half the input length.
func EncodeULaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeSample(s)
	}
	return out
}

// encodeSample encodes a single linear sample as a µ-law byte (G.711).
func encodeSample(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := byte(7)
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// FrameEnergy computes the RMS energy of a µ-law frame after linear decode.
// Used by the voice activity detector.
func FrameEnergy(ulaw []byte) float64 {
	if len(ulaw) == 0 {
		return 0
	}
	var sum float64
	for _, b := range ulaw {
		s := float64(ulawDecodeTable[b])
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(ulaw)))
}
