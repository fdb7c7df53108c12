package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/metrics"
)

// LatencyObserver logs, per call, how long it took from the start event to the
// first final transcript and to the first delivered webhook.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started     time.Time
	firstMedia  time.Time
	firstFinal  time.Time
	firstSent   time.Time
	traceID     string
	finals      int
	debounced   int
	webhookSent int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callSID := ev.Tags[frames.MetaCallSID]
	if callSID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[callSID]
	if t == nil {
		if ev.Name != metrics.EventCallStarted {
			return
		}
		t = &trace{}
		o.traces[callSID] = t
	}
	switch ev.Name {
	case metrics.EventCallStarted:
		t.started = ev.Time
		t.traceID = ev.Tags[frames.MetaTraceID]
	case metrics.EventMediaFrame:
		if t.firstMedia.IsZero() {
			t.firstMedia = ev.Time
		}
	case metrics.EventRecognizerFinal:
		t.finals++
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case metrics.EventTranscriptDebounced:
		t.debounced++
	case metrics.EventWebhookSent:
		t.webhookSent++
		if t.firstSent.IsZero() {
			t.firstSent = ev.Time
		}
	case metrics.EventCallClosed:
		o.log.Info("call_latency",
			slog.String(frames.MetaCallSID, callSID),
			slog.String(frames.MetaTraceID, t.traceID),
			slog.Int64("first_media_ms", durationMs(t.started, t.firstMedia)),
			slog.Int64("first_final_ms", durationMs(t.started, t.firstFinal)),
			slog.Int64("first_webhook_ms", durationMs(t.started, t.firstSent)),
			slog.Int64("call_ms", durationMs(t.started, ev.Time)),
			slog.Int("finals", t.finals),
			slog.Int("debounced", t.debounced),
			slog.Int("webhooks_sent", t.webhookSent),
		)
		delete(o.traces, callSID)
	}
}

// Open reports how many calls are being tracked.
func (o *LatencyObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
