// Package transcript debounces finalized transcripts on their way to the webhook.
package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/errreport"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/redact"
)

const DefaultWindow = 2 * time.Second

// Notifier is the downstream webhook.
type Notifier interface {
	Notify(ctx context.Context, ev frames.TranscriptEvent) error
}

type Options struct {
	Window   time.Duration
	Timeout  time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
	Observer metrics.Observer
	Redactor redact.Redactor
}

// Forwarder belongs to a single call. It accepts at most one transcript per
// window and drops the rest; accepted transcripts are sent in the background.
type Forwarder struct {
	notifier Notifier
	window   time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	obs      metrics.Observer
	redactor redact.Redactor

	mu   sync.Mutex
	last time.Time
	wg   sync.WaitGroup
}

func NewForwarder(n Notifier, opts Options) *Forwarder {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Forwarder{
		notifier: n,
		window:   opts.Window,
		timeout:  opts.Timeout,
		now:      opts.Clock,
		logger:   logging.NewComponentLogger(opts.Logger, "transcript_forwarder"),
		obs:      metrics.OrNoop(opts.Observer),
		redactor: opts.Redactor,
	}
}

// Submit applies the debounce window and dispatches accepted events without
// waiting for delivery. It reports whether ev was accepted.
func (f *Forwarder) Submit(ev frames.TranscriptEvent) bool {
	f.mu.Lock()
	now := f.now()
	if !f.last.IsZero() && now.Sub(f.last) < f.window {
		since := now.Sub(f.last)
		f.mu.Unlock()
		f.logger.Info("transcript_debounced",
			slog.String(frames.MetaCallSID, ev.CallID),
			slog.Duration("since_last", since),
			slog.String("text", f.redactor.Text(ev.Text)))
		f.obs.RecordEvent(metrics.NewEvent(metrics.EventTranscriptDebounced, map[string]string{frames.MetaCallSID: ev.CallID}))
		return false
	}
	f.last = now
	f.mu.Unlock()

	f.obs.RecordEvent(metrics.NewEvent(metrics.EventTranscriptForwarded, map[string]string{frames.MetaCallSID: ev.CallID}))
	if f.notifier == nil {
		return true
	}
	f.wg.Add(1)
	go f.send(ev)
	return true
}

func (f *Forwarder) send(ev frames.TranscriptEvent) {
	defer f.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	begin := time.Now()
	err := f.notifier.Notify(ctx, ev)
	latency := time.Since(begin)
	tags := map[string]string{frames.MetaCallSID: ev.CallID}
	fields := map[string]any{metrics.FieldLatencyMS: latency.Milliseconds()}

	if err != nil {
		reason := errorsx.Reason(err)
		tags[frames.MetaReason] = string(reason)
		f.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventWebhookFailed, Time: time.Now(), Value: 1, Tags: tags, Fields: fields})
		f.logger.Warn("webhook_delivery_failed",
			slog.String(frames.MetaCallSID, ev.CallID),
			slog.String("error", err.Error()),
			slog.String(frames.MetaReason, string(reason)),
			slog.Duration("latency", latency))
		if reason != errorsx.ReasonWebhookCircuitOpen {
			errreport.Capture(err, map[string]string{frames.MetaCallSID: ev.CallID})
		}
		return
	}
	f.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventWebhookSent, Time: time.Now(), Value: 1, Tags: tags, Fields: fields})
	f.logger.Info("webhook_delivered",
		slog.String(frames.MetaCallSID, ev.CallID),
		slog.Duration("latency", latency))
}

// Wait blocks until every dispatched delivery has finished.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
