package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/metrics"
)

// UsageSummary is the billable footprint of one call: audio sent to the
// recognizer and transcripts delivered downstream.
type UsageSummary struct {
	CallSID        string  `json:"call_sid"`
	TraceID        string  `json:"trace_id,omitempty"`
	AudioSeconds   float64 `json:"audio_seconds"`
	MediaFrames    int     `json:"media_frames"`
	Transcripts    int     `json:"transcripts"`
	WebhooksSent   int     `json:"webhooks_sent"`
	WebhooksFailed int     `json:"webhooks_failed"`
	RecordedAtUTC  string  `json:"recorded_at_utc"`

	audioBytes float64
}

// UsageObserver accumulates per-call usage and writes <dir>/<call_sid>.usage.json
// when the call closes. It must see every media_frame event, so it is not sampled.
type UsageObserver struct {
	dir   string
	rate  int
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, rate: frames.TelephonyRate, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	callSID := ev.Tags[frames.MetaCallSID]
	if callSID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[callSID]
	if stat == nil {
		stat = &UsageSummary{CallSID: callSID}
		o.stats[callSID] = stat
	}
	if stat.TraceID == "" {
		stat.TraceID = ev.Tags[frames.MetaTraceID]
	}
	switch ev.Name {
	case metrics.EventMediaFrame:
		stat.MediaFrames++
		// one μ-law byte per sample
		stat.audioBytes += ev.Value
	case metrics.EventRecognizerFinal:
		stat.Transcripts++
	case metrics.EventWebhookSent:
		stat.WebhooksSent++
	case metrics.EventWebhookFailed:
		stat.WebhooksFailed++
	}
	var done *UsageSummary
	if ev.Name == metrics.EventCallClosed {
		done = stat
		delete(o.stats, callSID)
	}
	o.mu.Unlock()

	if done != nil {
		_ = o.write(done)
	}
}

// Close flushes summaries for calls that never reported call_closed.
func (o *UsageObserver) Close() error {
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()
	var err error
	for _, stat := range pending {
		if werr := o.write(stat); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.AudioSeconds = stat.audioBytes / float64(o.rate)
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.CallSID)+".usage.json"), b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
