// Package relay wires configuration, recognizers, the webhook forwarder and the
// Twilio transport into a runnable media-stream relay.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/relay/pkg/configutil"
	"github.com/harunnryd/relay/pkg/errreport"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/observers"
	"github.com/harunnryd/relay/pkg/recognizer"
	"github.com/harunnryd/relay/pkg/redact"
	"github.com/harunnryd/relay/pkg/runner"
	"github.com/harunnryd/relay/pkg/transcript"
	"github.com/harunnryd/relay/pkg/transports"
	"github.com/harunnryd/relay/pkg/transports/twilio"
	"github.com/harunnryd/relay/pkg/webhook"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// HTTPClient is used for webhook delivery; nil means a client with the configured timeout.
	HTTPClient *http.Client
	// Observer receives every event alongside the built-in observers.
	Observer metrics.Observer
	// QuietBanner suppresses the startup banner.
	QuietBanner bool
}

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	provider  recognizer.Provider
	notifier  *webhook.Client
	transport *twilio.Transport
	runner    *runner.LifecycleRunner
	prom      *metrics.PrometheusObserver
	asyncObs  *metrics.AsyncObserver
	obs       metrics.Observer
	redactor  redact.Redactor
	closers   []io.Closer
	stopOnce  sync.Once
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		redactor: redact.New(cfg.Privacy.RedactPII),
	}

	if err := e.buildObservers(opts.Observer); err != nil {
		return nil, err
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	provider, err := providers.Build(cfg.Recognizer, logger)
	if err != nil {
		e.closeObservers()
		return nil, err
	}
	e.provider = provider

	notifier, err := webhook.New(webhook.Config{
		URL:              cfg.Webhook.URL,
		Timeout:          configutil.Millis(cfg.Webhook.TimeoutMS, 0),
		CircuitThreshold: cfg.Webhook.CircuitThreshold,
		CircuitCooldown:  configutil.Millis(cfg.Webhook.CircuitCooldownMS, 0),
	}, opts.HTTPClient)
	if err != nil {
		e.closeObservers()
		return nil, err
	}
	e.notifier = notifier

	var metricsHandler http.Handler
	if e.prom != nil {
		metricsHandler = e.prom.Handler()
	}
	e.transport = twilio.New(cfg.TransportConfig(), twilio.Options{
		Open:           e.openRecognition,
		NewSink:        e.newSink,
		Logger:         logger,
		Observer:       e.obs,
		MetricsHandler: metricsHandler,
	})

	e.runner = runner.NewLifecycleRunner(e.transport, runner.Options{
		Timeout: cfg.DrainTimeout(),
		Quiet:   opts.QuietBanner,
		Hooks: runner.Hooks{
			OnStart: e.onStart,
			OnStop:  e.onStop,
		},
	})

	logger.Info("relay_init",
		slog.String("environment", cfg.Environment),
		slog.String("recognizer_provider", provider.Name()),
		slog.String("language", cfg.Recognizer.Language),
		slog.String("webhook_host", webhookHost(cfg.Webhook.URL)),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII))
	return e, nil
}

// buildObservers assembles the event fan-out. Prometheus, latency and usage
// accounting see every event; log, JSONL and timeline sinks see media frames
// only at the sampled rate.
func (e *Engine) buildObservers(extra metrics.Observer) error {
	e.prom = metrics.NewPrometheusObserver()
	obsCfg := e.cfg.Observability

	full := []metrics.Observer{e.prom, observers.NewLatencyObserver(e.logger)}
	verbose := []metrics.Observer{metrics.NewLoggerObserver(e.logger)}
	if path := strings.TrimSpace(obsCfg.MetricsJSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics jsonl: %w", err)
		}
		e.closers = append(e.closers, f)
		verbose = append(verbose, metrics.NewJSONLObserver(f))
	}
	if dir := strings.TrimSpace(obsCfg.ArtifactsDir); dir != "" {
		if obsCfg.RetentionDays > 0 {
			removed, err := observers.PurgeArtifacts(dir, time.Duration(obsCfg.RetentionDays)*24*time.Hour, time.Now())
			if err != nil {
				e.logger.Warn("artifacts_purge_failed", slog.String("error", err.Error()))
			}
			e.logger.Info("artifacts_purged", slog.String("dir", dir), slog.Int("removed", removed))
		}
		usage := observers.NewUsageObserver(dir)
		timeline := observers.NewTimelineObserver(dir, e.redactor)
		e.closers = append(e.closers, usage, timeline)
		full = append(full, usage)
		verbose = append(verbose, timeline)
	}
	sampled := metrics.NewSamplingObserver(metrics.NewMultiObserver(verbose...),
		obsCfg.MediaSampleRate, metrics.EventMediaFrame)

	list := append(full, sampled)
	if extra != nil {
		list = append(list, extra)
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(list...), 4096,
		metrics.EventCallStarted, metrics.EventCallClosed)
	e.obs = e.asyncObs
	return nil
}

func (e *Engine) openRecognition(ctx context.Context, info twilio.CallInfo, sink recognizer.TranscriptSink) twilio.Recognition {
	return recognizer.Open(ctx, e.provider, recognizer.Config{
		CallID:   info.CallSID,
		TraceID:  info.TraceID,
		Language: e.cfg.Recognizer.Language,
		Format: recognizer.Format{
			SampleRate: e.cfg.Recognizer.SampleRate,
			BitDepth:   e.cfg.Recognizer.BitDepth,
			Channels:   e.cfg.Recognizer.Channels,
		},
	}, recognizer.SessionOptions{
		Sink:        sink,
		Logger:      e.logger,
		Observer:    e.obs,
		Redactor:    e.redactor,
		BufferBytes: e.cfg.Recognizer.SinkBufferBytes,
	})
}

func (e *Engine) newSink() recognizer.TranscriptSink {
	return transcript.NewForwarder(e.notifier, transcript.Options{
		Window:   configutil.Millis(e.cfg.Webhook.DebounceMS, transcript.DefaultWindow),
		Logger:   e.logger,
		Observer: e.obs,
		Redactor: e.redactor,
	})
}

func (e *Engine) onStart(_ context.Context) error {
	e.logger.Info("relay_ready", readyAttrs(e.transport)...)
	return nil
}

func (e *Engine) onStop() {
	if err := e.transport.Stop(); err != nil {
		e.logger.Warn("relay_transport_stop_failed", slog.String("error", err.Error()))
	}
	e.closeObservers()
	errreport.Flush()
	e.logger.Info("relay_stopped")
}

func (e *Engine) closeObservers() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
		if dropped := e.asyncObs.Dropped(); dropped > 0 {
			e.logger.Warn("relay_metrics_dropped", slog.Int64("count", dropped))
		}
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
	e.closers = nil
}

// Start binds the server and runs the lifecycle in the background until ctx
// is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.logger.Warn("relay_runner_stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop drains live calls, bounded by server.drain_timeout_ms, and shuts the server down.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		err = e.runner.Stop()
	})
	return err
}

// Dial places an outbound call that streams back into this relay. An empty
// from uses twilio.from_number.
func (e *Engine) Dial(ctx context.Context, to, from, url string) (string, error) {
	if from == "" {
		from = e.cfg.Twilio.FromNumber
	}
	var dialer transports.OutboundDialer = twilio.NewDialer(e.cfg.TransportConfig())
	return dialer.Dial(ctx, to, from, url)
}

func (e *Engine) Transport() *twilio.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) Metrics() *metrics.PrometheusObserver { return e.prom }

func readyAttrs(r transports.ReadyReporter) []any {
	fields := r.ReadyFields()
	out := make([]any, 0, len(fields))
	for k, v := range fields {
		out = append(out, slog.Any(k, v))
	}
	return out
}

func webhookHost(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if i := strings.IndexAny(raw, "/?"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
