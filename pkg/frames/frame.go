package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindPCM        Kind = "pcm"
	KindTranscript Kind = "transcript"
)

// Encodings carried by AudioFrame.
const (
	EncodingMuLaw    = "mulaw"
	EncodingLinear16 = "linear16"
)

// Telephony defaults for Twilio media streams.
const (
	TelephonyRate     = 8000
	TelephonyChannels = 1
)

// Metadata keys shared by logs and metrics tags.
const (
	MetaCallSID  = "call_sid"
	MetaStreamID = "stream_id"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaReason   = "reason_code"
)

// AudioFrame is one chunk of encoded telephony audio as received from the wire.
type AudioFrame struct {
	pts      int64
	data     []byte
	rate     int
	ch       int
	encoding string
}

func NewAudioFrame(pts int64, data []byte, rate, ch int, encoding string) AudioFrame {
	return AudioFrame{pts: pts, data: data, rate: rate, ch: ch, encoding: encoding}
}

// NewMuLawFrame wraps a Twilio media payload (8 kHz mono μ-law).
func NewMuLawFrame(data []byte) AudioFrame {
	return NewAudioFrame(time.Now().UnixNano(), data, TelephonyRate, TelephonyChannels, EncodingMuLaw)
}

func (a AudioFrame) Kind() Kind         { return KindAudio }
func (a AudioFrame) PTS() int64         { return a.pts }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }
func (a AudioFrame) Encoding() string   { return a.encoding }
func (a AudioFrame) Samples() int       { return len(a.data) }

// PCMBuffer holds 16-bit signed little-endian samples.
type PCMBuffer struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	pooled bool
}

func NewPCMBuffer(pts int64, data []byte, rate, ch int) PCMBuffer {
	return PCMBuffer{pts: pts, data: data, rate: rate, ch: ch}
}

// NewPooledPCMBuffer wraps a buffer obtained from AcquireAudioBuf.
func NewPooledPCMBuffer(pts int64, data []byte, rate, ch int) PCMBuffer {
	return PCMBuffer{pts: pts, data: data, rate: rate, ch: ch, pooled: true}
}

func (p PCMBuffer) Kind() Kind    { return KindPCM }
func (p PCMBuffer) PTS() int64    { return p.pts }
func (p PCMBuffer) Bytes() []byte { return p.data }
func (p PCMBuffer) Rate() int     { return p.rate }
func (p PCMBuffer) Channels() int { return p.ch }
func (p PCMBuffer) Samples() int  { return len(p.data) / 2 }
func (p PCMBuffer) Duration() time.Duration {
	if p.rate <= 0 || p.ch <= 0 {
		return 0
	}
	return time.Duration(p.Samples()/p.ch) * time.Second / time.Duration(p.rate)
}

// Release returns a pooled buffer. The buffer must not be used afterwards.
func (p PCMBuffer) Release() bool {
	if !p.pooled {
		return false
	}
	ReleaseAudioBuf(p.data)
	return true
}

// TranscriptEvent is a finalized recognition result bound for the webhook.
type TranscriptEvent struct {
	CallID    string    `json:"callId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (t TranscriptEvent) Kind() Kind { return KindTranscript }

var audioBufPool = sync.Pool{
	New: func() any {
		// 20 ms of 8 kHz PCM16 is 320 bytes; Twilio frames fit comfortably.
		return make([]byte, 0, 1024)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}
