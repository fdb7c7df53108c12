// Package audio converts Twilio's G.711 μ-law media into linear PCM for recognizers.
package audio

import (
	"encoding/binary"

	"github.com/harunnryd/relay/pkg/frames"
)

const (
	muLawBias = 0x84

	// MuLawSilence is the canonical silence byte Twilio emits between utterances.
	MuLawSilence byte = 0xFF
)

var muLawTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawTable[i] = expand(byte(i))
	}
}

// DecodeSample expands one μ-law byte into a 16-bit linear sample.
func DecodeSample(b byte) int16 {
	return muLawTable[b]
}

func expand(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int32(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// DecodeFrame returns the little-endian PCM16 rendition of frame (2 bytes per input byte).
func DecodeFrame(frame []byte) []byte {
	return DecodeInto(make([]byte, 0, len(frame)*2), frame)
}

// DecodeInto appends the PCM16 rendition of frame to dst and returns the extended slice.
func DecodeInto(dst, frame []byte) []byte {
	start := len(dst)
	need := start + len(frame)*2
	if cap(dst) < need {
		grown := make([]byte, start, need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:need]
	for i, b := range frame {
		binary.LittleEndian.PutUint16(dst[start+i*2:], uint16(muLawTable[b]))
	}
	return dst
}

// DecodeAudioFrame decodes a μ-law frame into a pooled PCM buffer. Callers release it when done.
func DecodeAudioFrame(f frames.AudioFrame) frames.PCMBuffer {
	buf := frames.AcquireAudioBuf(f.Samples() * 2)
	buf = DecodeInto(buf[:0], f.RawPayload())
	return frames.NewPooledPCMBuffer(f.PTS(), buf, f.Rate(), f.Channels())
}
