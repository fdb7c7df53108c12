// Package recognizer defines the streaming speech-recognition contract and the
// per-call Session that feeds decoded audio into it.
package recognizer

import (
	"context"
	"io"

	"github.com/harunnryd/relay/pkg/frames"
)

// Format describes the linear PCM stream written into a recognizer's sink.
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// DefaultFormat is 8 kHz, 16-bit, mono: decoded telephony audio.
func DefaultFormat() Format {
	return Format{SampleRate: frames.TelephonyRate, BitDepth: 16, Channels: frames.TelephonyChannels}
}

func (f Format) withDefaults() Format {
	def := DefaultFormat()
	if f.SampleRate <= 0 {
		f.SampleRate = def.SampleRate
	}
	if f.BitDepth <= 0 {
		f.BitDepth = def.BitDepth
	}
	if f.Channels <= 0 {
		f.Channels = def.Channels
	}
	return f
}

// Config is the per-call recognizer configuration.
type Config struct {
	CallID   string
	TraceID  string
	Language string
	Format   Format
}

// Handler receives recognizer events. Implementations must be safe for use
// from the recognizer's own goroutines.
type Handler interface {
	OnInterim(text string)
	OnFinal(text string)
	OnCanceled(reason string, err error)
	OnStopped()
}

// Recognizer is one continuous recognition engagement bound to an audio reader.
type Recognizer interface {
	// StartContinuous begins recognition; events flow to the Handler until stopped.
	StartContinuous(ctx context.Context) error
	// StopContinuous ends recognition. The audio reader has already hit EOF by then.
	StopContinuous(ctx context.Context) error
	// Close releases every resource held by the recognizer.
	Close() error
}

// Provider creates recognizers for a speech vendor.
type Provider interface {
	Name() string
	NewRecognizer(cfg Config, audio io.Reader, h Handler) (Recognizer, error)
}

// TranscriptSink accepts finalized transcripts. Submit reports whether the
// event was accepted; it must not block on network I/O.
type TranscriptSink interface {
	Submit(ev frames.TranscriptEvent) bool
}
