package twilio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/relay/pkg/audio"
	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/recognizer"
)

type CallState int32

const (
	CallIdle CallState = iota
	CallStreaming
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallStreaming:
		return "streaming"
	case CallClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallInfo identifies one media stream.
type CallInfo struct {
	CallSID   string
	StreamSID string
	TraceID   string
	From      string
}

// Recognition is the per-call recognizer handle (a *recognizer.Session in production).
type Recognition interface {
	Feed(pcm []byte)
	Close()
	Done() <-chan struct{}
}

// RecognitionOpener starts recognition for a call whose final transcripts go to sink.
type RecognitionOpener func(ctx context.Context, info CallInfo, sink recognizer.TranscriptSink) Recognition

// Conn is the transport side of a call.
type Conn interface {
	Close() error
}

type CallOptions struct {
	TraceID  string
	Sink     recognizer.TranscriptSink
	Logger   *slog.Logger
	Observer metrics.Observer
	// OnStart runs after a start event has opened recognition.
	OnStart func(CallInfo)
}

// Call is the per-connection state machine. Handle and Close must be called
// from the connection's read goroutine; nothing in a Call is shared with other calls.
type Call struct {
	info  CallInfo
	conn  Conn
	open  RecognitionOpener
	sink  recognizer.TranscriptSink
	rec   Recognition
	state atomic.Int32

	onStart   func(CallInfo)
	closeOnce sync.Once
	logger    *slog.Logger
	obs       metrics.Observer
	pcm       []byte
	fed       int
	discarded int
}

func NewCall(conn Conn, open RecognitionOpener, opts CallOptions) *Call {
	c := &Call{
		info:    CallInfo{TraceID: opts.TraceID},
		conn:    conn,
		open:    open,
		sink:    opts.Sink,
		onStart: opts.OnStart,
		logger:  logging.NewComponentLogger(opts.Logger, "twilio_call").With(slog.String(frames.MetaTraceID, opts.TraceID)),
		obs:     metrics.OrNoop(opts.Observer),
	}
	c.state.Store(int32(CallIdle))
	return c
}

func (c *Call) State() CallState { return CallState(c.state.Load()) }

func (c *Call) Info() CallInfo { return c.info }

// Handle processes one text frame. It returns false once the call has ended
// and the caller should stop reading.
func (c *Call) Handle(ctx context.Context, msg []byte) bool {
	if c.State() == CallClosed {
		return false
	}
	evt, ok := parseEvent(msg)
	if !ok {
		c.discard("unparsable", "")
		return true
	}
	switch evt.Event {
	case EventStart:
		c.handleStart(ctx, evt)
	case EventMedia:
		c.handleMedia(evt)
	case EventStop:
		c.handleStop(evt)
		return false
	case EventConnected, EventMark, EventDTMF:
		c.logger.Debug("twilio_event_ignored", slog.String("event", evt.Event))
	default:
		c.discard("unknown_event", evt.Event)
	}
	return true
}

func (c *Call) handleStart(ctx context.Context, evt TwilioEvent) {
	if c.State() != CallIdle {
		c.discard("duplicate_start", evt.Event)
		return
	}
	if evt.Start != nil {
		c.info.CallSID = evt.Start.CallSID
		c.info.StreamSID = evt.Start.StreamSID
		c.info.From = evt.Start.From
	}
	if c.info.StreamSID == "" {
		c.info.StreamSID = evt.StreamSID
	}
	c.logger = c.logger.With(slog.String(frames.MetaCallSID, c.info.CallSID))
	if c.open != nil {
		c.rec = c.open(ctx, c.info, c.sink)
	}
	c.state.Store(int32(CallStreaming))
	c.obs.RecordEvent(c.event(metrics.EventCallStarted, ""))
	c.logger.Info("call_started", slog.String(frames.MetaStreamID, c.info.StreamSID))
	if c.onStart != nil {
		c.onStart(c.info)
	}
}

func (c *Call) handleMedia(evt TwilioEvent) {
	if c.State() != CallStreaming || c.rec == nil {
		c.discarded++
		return
	}
	payload, err := mediaPayload(evt.Media)
	if err != nil {
		c.discard("bad_media_payload", evt.Event)
		return
	}
	c.pcm = audio.DecodeInto(c.pcm[:0], payload)
	c.rec.Feed(c.pcm)
	c.fed++
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventMediaFrame,
		Time:  time.Now(),
		Value: float64(len(payload)),
		Tags:  map[string]string{frames.MetaCallSID: c.info.CallSID},
	})
}

func (c *Call) handleStop(evt TwilioEvent) {
	reason := "completed"
	if evt.Stop != nil {
		if r := normalizeCallEndReason(evt.Stop.Reason); r != "" {
			reason = r
		}
	}
	c.logger.Info("call_stop_received", slog.String("call_end_reason", reason))
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.Close()
}

// Close tears the call down. Safe to call more than once and in any state.
func (c *Call) Close() {
	c.closeOnce.Do(func() {
		prev := CallState(c.state.Swap(int32(CallClosed)))
		if c.rec != nil {
			c.rec.Close()
		}
		if prev == CallStreaming {
			c.obs.RecordEvent(c.event(metrics.EventCallClosed, ""))
		}
		c.logger.Info("call_closed",
			slog.String("previous_state", prev.String()),
			slog.Int("frames_fed", c.fed),
			slog.Int("frames_discarded", c.discarded))
	})
}

// Wait blocks until recognition has been released and pending webhook deliveries finished.
func (c *Call) Wait() {
	if c.rec != nil {
		<-c.rec.Done()
	}
	if w, ok := c.sink.(interface{ Wait() }); ok {
		w.Wait()
	}
}

func (c *Call) discard(why, event string) {
	c.discarded++
	c.obs.RecordEvent(c.event(metrics.EventProtocolDiscard, errorsx.ReasonProtocolDiscard))
	c.logger.Debug("twilio_message_discarded",
		slog.String("why", why),
		slog.String("event", event),
		slog.String(frames.MetaReason, string(errorsx.ReasonProtocolDiscard)))
}

func (c *Call) event(name string, reason errorsx.ReasonCode) metrics.MetricsEvent {
	tags := map[string]string{
		frames.MetaCallSID: c.info.CallSID,
		frames.MetaTraceID: c.info.TraceID,
		frames.MetaSource:  "transport",
	}
	if reason != "" {
		tags[frames.MetaReason] = string(reason)
	}
	return metrics.NewEvent(name, tags)
}
