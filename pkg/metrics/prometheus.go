package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// FieldLatencyMS carries a duration in milliseconds on webhook and recognizer events.
const FieldLatencyMS = "latency_ms"

// PrometheusObserver turns relay events into Prometheus series on a private registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	activeCalls    prometheus.Gauge
	mediaBytes     prometheus.Counter
	webhookLatency prometheus.Histogram
	startLatency   prometheus.Histogram
}

func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	p := &PrometheusObserver{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events by name and reason code",
		}, []string{"name", "reason"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Current number of streaming calls",
		}),
		mediaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_bytes_total",
			Help:      "Total decoded μ-law bytes received from media streams",
		}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook POST latency",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		startLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognizer_start_seconds",
			Help:      "Time from call start until continuous recognition is running",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		p.events,
		p.activeCalls,
		p.mediaBytes,
		p.webhookLatency,
		p.startLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventMediaFrame:
		p.mediaBytes.Add(ev.Value)
		return
	case EventCallStarted:
		p.activeCalls.Inc()
	case EventCallClosed:
		p.activeCalls.Dec()
	case EventWebhookSent, EventWebhookFailed:
		if ms, ok := latencyMS(ev); ok {
			p.webhookLatency.Observe(ms / 1000)
		}
	case EventRecognizerStarted:
		if ms, ok := latencyMS(ev); ok {
			p.startLatency.Observe(ms / 1000)
		}
	}
	p.events.WithLabelValues(ev.Name, ev.Tags["reason_code"]).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (p *PrometheusObserver) Registry() *prometheus.Registry {
	return p.registry
}

func latencyMS(ev MetricsEvent) (float64, bool) {
	if ev.Fields == nil {
		return 0, false
	}
	switch v := ev.Fields[FieldLatencyMS].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
