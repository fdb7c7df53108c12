package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Event names emitted by the relay.
const (
	EventCallStarted         = "call_started"
	EventCallClosed          = "call_closed"
	EventMediaFrame          = "media_frame"
	EventProtocolDiscard     = "protocol_discard"
	EventRecognizerStarted   = "recognizer_started"
	EventRecognizerFailed    = "recognizer_failed"
	EventRecognizerInterim   = "recognizer_interim"
	EventRecognizerFinal     = "recognizer_final"
	EventRecognizerCanceled  = "recognizer_canceled"
	EventRecognizerStopped   = "recognizer_stopped"
	EventSinkOverflow        = "sink_overflow"
	EventTranscriptForwarded = "transcript_forwarded"
	EventTranscriptDebounced = "transcript_debounced"
	EventWebhookSent         = "webhook_sent"
	EventWebhookFailed       = "webhook_failed"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent stamps an event with the current time and a value of 1.
func NewEvent(name string, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}

// LoggerObserver writes every event to a slog logger at debug level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev MetricsEvent) {
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", eventAttrs(ev)...)
}

func eventAttrs(ev MetricsEvent) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// MultiObserver fans an event out to every non-nil observer.
type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
