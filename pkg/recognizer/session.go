package recognizer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/errreport"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/redact"
)

// DefaultBufferBytes holds roughly 20 seconds of 8 kHz PCM16.
const DefaultBufferBytes = 320 * 1024

type SessionOptions struct {
	Sink        TranscriptSink
	Logger      *slog.Logger
	Observer    metrics.Observer
	Redactor    redact.Redactor
	BufferBytes int
	Now         func() time.Time
}

// Session owns one recognizer and its audio sink for the lifetime of a call.
// It holds no audio itself; Feed writes straight into the sink.
type Session struct {
	cfg      Config
	provider string
	stream   *PushStream
	rec      Recognizer
	out      TranscriptSink
	logger   *slog.Logger
	obs      metrics.Observer
	redactor redact.Redactor
	now      func() time.Time

	started     chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	closed      atomic.Bool
	recognizing atomic.Bool
	overflowed  atomic.Bool
}

// Open allocates the sink and recognizer and starts continuous recognition in
// the background. Creation or start failures are logged and leave the session
// in a non-recognizing state; Open itself never fails.
func Open(ctx context.Context, p Provider, cfg Config, opts SessionOptions) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Format = cfg.Format.withDefaults()
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = DefaultBufferBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		cfg:      cfg,
		stream:   NewPushStream(opts.BufferBytes),
		out:      opts.Sink,
		logger:   logging.NewComponentLogger(opts.Logger, "recognition_session").With(slog.String(frames.MetaCallSID, cfg.CallID)),
		obs:      metrics.OrNoop(opts.Observer),
		redactor: opts.Redactor,
		now:      opts.Now,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if p == nil {
		s.fail(errorsx.Newf(errorsx.ReasonRecognizerCreate, "no recognizer provider configured"))
		_ = s.stream.Close()
		close(s.started)
		return s
	}
	s.provider = p.Name()

	rec, err := p.NewRecognizer(cfg, s.stream, sessionEvents{s})
	if err != nil {
		s.fail(errorsx.Wrap(err, errorsx.ReasonRecognizerCreate))
		_ = s.stream.Close()
		close(s.started)
		return s
	}
	s.rec = rec

	go func() {
		defer close(s.started)
		begin := time.Now()
		if err := rec.StartContinuous(ctx); err != nil {
			s.fail(errorsx.Wrap(err, errorsx.ReasonRecognizerStart))
			_ = s.stream.Close()
			return
		}
		s.recognizing.Store(true)
		ev := s.event(metrics.EventRecognizerStarted, "")
		ev.Fields = map[string]any{metrics.FieldLatencyMS: time.Since(begin).Milliseconds()}
		s.obs.RecordEvent(ev)
		s.logger.Info("recognition_started",
			slog.String("provider", s.provider),
			slog.String("language", cfg.Language),
			slog.Int("sample_rate", cfg.Format.SampleRate))
	}()
	return s
}

// Feed writes linear PCM into the sink in call order. It is a no-op on a nil,
// degraded or closed session.
func (s *Session) Feed(pcm []byte) {
	if s == nil || s.closed.Load() || len(pcm) == 0 {
		return
	}
	_, err := s.stream.Write(pcm)
	switch {
	case err == nil:
		s.overflowed.Store(false)
	case errors.Is(err, ErrSinkOverflow):
		s.obs.RecordEvent(s.event(metrics.EventSinkOverflow, errorsx.ReasonSinkOverflow))
		if !s.overflowed.Swap(true) {
			s.logger.Warn("audio_sink_overflow",
				slog.Int("buffered_bytes", s.stream.Len()),
				slog.String(frames.MetaReason, string(errorsx.ReasonSinkOverflow)))
		}
	}
}

// Close closes the sink synchronously, then stops and releases the recognizer
// in the background. Safe to call more than once.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.stream.Close()
		go s.teardown()
	})
}

func (s *Session) teardown() {
	defer close(s.done)
	<-s.started
	if s.rec == nil {
		return
	}
	if s.recognizing.Load() {
		if err := s.rec.StopContinuous(context.Background()); err != nil {
			s.logger.Warn("recognition_stop_failed",
				slog.String("error", err.Error()),
				slog.String(frames.MetaReason, string(errorsx.ReasonRecognizerStop)))
		}
	}
	if err := s.rec.Close(); err != nil {
		s.logger.Warn("recognizer_release_failed",
			slog.String("error", err.Error()),
			slog.String(frames.MetaReason, string(errorsx.ReasonRecognizerRelease)))
	}
	s.recognizing.Store(false)
	s.logger.Debug("recognizer_released")
}

// Done is closed once the recognizer has been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Recognizing reports whether continuous recognition started and has not been torn down.
func (s *Session) Recognizing() bool {
	return s != nil && s.recognizing.Load()
}

func (s *Session) fail(err error) {
	reason := errorsx.Reason(err)
	s.logger.Error("recognition_unavailable",
		slog.String("provider", s.provider),
		slog.String("error", err.Error()),
		slog.String(frames.MetaReason, string(reason)))
	s.obs.RecordEvent(s.event(metrics.EventRecognizerFailed, reason))
	errreport.Capture(err, map[string]string{frames.MetaCallSID: s.cfg.CallID, "provider": s.provider})
}

func (s *Session) event(name string, reason errorsx.ReasonCode) metrics.MetricsEvent {
	tags := map[string]string{frames.MetaCallSID: s.cfg.CallID, frames.MetaSource: "recognizer"}
	if s.cfg.TraceID != "" {
		tags[frames.MetaTraceID] = s.cfg.TraceID
	}
	if reason != "" {
		tags[frames.MetaReason] = string(reason)
	}
	return metrics.NewEvent(name, tags)
}

// sessionEvents adapts recognizer callbacks to the session.
type sessionEvents struct {
	s *Session
}

// OnInterim is diagnostic only; interim text never leaves the session.
func (e sessionEvents) OnInterim(text string) {
	e.s.obs.RecordEvent(e.s.event(metrics.EventRecognizerInterim, ""))
	e.s.logger.Debug("interim_result", slog.String("text", e.s.redactor.Text(text)))
}

func (e sessionEvents) OnFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s := e.s
	s.obs.RecordEvent(s.event(metrics.EventRecognizerFinal, ""))
	s.logger.Info("final_result", slog.String("text", s.redactor.Text(text)))
	if s.out == nil {
		return
	}
	s.out.Submit(frames.TranscriptEvent{
		CallID:    s.cfg.CallID,
		Text:      text,
		Timestamp: s.now().UTC(),
	})
}

func (e sessionEvents) OnCanceled(reason string, err error) {
	s := e.s
	attrs := []any{
		slog.String("reason", reason),
		slog.String(frames.MetaReason, string(errorsx.ReasonRecognizerCanceled)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		errreport.Capture(errorsx.Wrap(err, errorsx.ReasonRecognizerCanceled),
			map[string]string{frames.MetaCallSID: s.cfg.CallID, "provider": s.provider})
	}
	s.logger.Warn("recognition_canceled", attrs...)
	s.obs.RecordEvent(s.event(metrics.EventRecognizerCanceled, errorsx.ReasonRecognizerCanceled))
}

func (e sessionEvents) OnStopped() {
	e.s.logger.Info("recognition_stopped")
	e.s.obs.RecordEvent(e.s.event(metrics.EventRecognizerStopped, ""))
}
