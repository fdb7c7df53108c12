package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/redact"
)

// TimelineObserver appends every event of a call to <dir>/<call_sid>.jsonl.
// The file is closed when the call closes and reopened if late events arrive.
type TimelineObserver struct {
	dir      string
	redactor redact.Redactor
	mu       sync.Mutex
	files    map[string]*os.File
}

func NewTimelineObserver(dir string, redactor redact.Redactor) *TimelineObserver {
	return &TimelineObserver{dir: dir, redactor: redactor, files: make(map[string]*os.File)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := timelineID(ev.Tags)
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:    ev.Time.UTC(),
		Event:   ev.Name,
		CallSID: ev.Tags[frames.MetaCallSID],
		TraceID: ev.Tags[frames.MetaTraceID],
		Reason:  ev.Tags[frames.MetaReason],
		Value:   ev.Value,
		Fields:  o.sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == metrics.EventCallClosed {
		_ = f.Close()
		delete(o.files, sanitizeID(id))
	}
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time    time.Time      `json:"time"`
	Event   string         `json:"event"`
	CallSID string         `json:"call_sid,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	Reason  string         `json:"reason_code,omitempty"`
	Value   float64        `json:"value,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func (o *TimelineObserver) sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = o.redactor.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

// timelineID keys artifacts by call SID, falling back to the connection trace id.
func timelineID(tags map[string]string) string {
	if id := tags[frames.MetaCallSID]; id != "" {
		return id
	}
	return tags[frames.MetaTraceID]
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ metrics.Observer = (*TimelineObserver)(nil)
