package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/relay/pkg/recognizer"
)

const ProviderName = "mock"

type Config struct {
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	// FinalEveryBytes emits one final result per this many PCM bytes read (default 1s at 8 kHz).
	FinalEveryBytes int
	FailCreate      bool
	FailStart       bool
}

func (c Config) withDefaults() Config {
	if c.Transcript == "" {
		c.Transcript = "mock transcript"
	}
	if c.InterimTranscript == "" {
		c.InterimTranscript = c.Transcript
	}
	if c.FinalEveryBytes <= 0 {
		c.FinalEveryBytes = 16000
	}
	return c
}

// Provider produces scripted recognizers that read the sink like a real vendor would.
type Provider struct {
	cfg Config

	mu   sync.Mutex
	recs []*Recognizer
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg.withDefaults()}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) NewRecognizer(cfg recognizer.Config, audio io.Reader, h recognizer.Handler) (recognizer.Recognizer, error) {
	if p.cfg.FailCreate {
		return nil, errors.New("mock: create failed")
	}
	r := &Recognizer{cfg: p.cfg, Call: cfg, audio: audio, handler: h, done: make(chan struct{})}
	p.mu.Lock()
	p.recs = append(p.recs, r)
	p.mu.Unlock()
	return r, nil
}

// Recognizers returns every recognizer created so far.
func (p *Provider) Recognizers() []*Recognizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Recognizer(nil), p.recs...)
}

type Recognizer struct {
	cfg     Config
	Call    recognizer.Config
	audio   io.Reader
	handler recognizer.Handler

	started  atomic.Bool
	bytes    atomic.Int64
	reads    atomic.Int64
	stops    atomic.Int32
	releases atomic.Int32
	done     chan struct{}
}

func (r *Recognizer) StartContinuous(ctx context.Context) error {
	if r.cfg.FailStart {
		return errors.New("mock: start failed")
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("mock: already started")
	}
	go r.loop()
	return nil
}

func (r *Recognizer) loop() {
	defer close(r.done)
	buf := make([]byte, 4096)
	pending := 0
	for {
		n, err := r.audio.Read(buf)
		if n > 0 {
			r.reads.Add(1)
			r.bytes.Add(int64(n))
			pending += n
			for pending >= r.cfg.FinalEveryBytes {
				pending -= r.cfg.FinalEveryBytes
				if r.cfg.EmitInterim {
					r.handler.OnInterim(r.cfg.InterimTranscript)
				}
				r.handler.OnFinal(r.cfg.Transcript)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Recognizer) StopContinuous(ctx context.Context) error {
	r.stops.Add(1)
	if r.started.Load() {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.handler.OnStopped()
	return nil
}

func (r *Recognizer) Close() error {
	r.releases.Add(1)
	return nil
}

// BytesRead is the number of PCM bytes consumed from the sink.
func (r *Recognizer) BytesRead() int64 { return r.bytes.Load() }
func (r *Recognizer) Stops() int       { return int(r.stops.Load()) }
func (r *Recognizer) Releases() int    { return int(r.releases.Load()) }

var (
	_ recognizer.Provider   = (*Provider)(nil)
	_ recognizer.Recognizer = (*Recognizer)(nil)
)
