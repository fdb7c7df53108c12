package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/recognizer"
	"github.com/harunnryd/relay/pkg/resilience"
)

const ProviderName = "deepgram"

type Config struct {
	APIKey         string
	Model          string
	Interim        bool
	VADEvents      bool
	SmartFormat    bool
	Punctuate      bool
	UtteranceEndMS int
	ConnectRetries int
	ConnectBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 200 * time.Millisecond
	}
	return c
}

// Provider opens Deepgram live transcription sockets fed with linear16 audio.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "deepgram api key is required")
	}
	return &Provider{cfg: cfg.withDefaults(), logger: logging.NewComponentLogger(logger, "deepgram_stt")}, nil
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) NewRecognizer(cfg recognizer.Config, audio io.Reader, h recognizer.Handler) (recognizer.Recognizer, error) {
	if audio == nil || h == nil {
		return nil, errors.New("deepgram: audio reader and handler are required")
	}
	return &Recognizer{
		cfg:     p.cfg,
		call:    cfg,
		audio:   audio,
		handler: h,
		logger:  p.logger.With(slog.String(frames.MetaCallSID, cfg.CallID)),
		retry:   resilience.NewRetryPolicy(p.cfg.ConnectRetries, p.cfg.ConnectBackoff),
	}, nil
}

// LiveOptions maps relay settings onto Deepgram's live transcription options.
func LiveOptions(cfg Config, call recognizer.Config) *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       call.Language,
		Encoding:       frames.EncodingLinear16,
		SampleRate:     call.Format.SampleRate,
		Channels:       call.Format.Channels,
		InterimResults: cfg.Interim,
		VadEvents:      cfg.VADEvents,
		SmartFormat:    cfg.SmartFormat,
		Punctuate:      cfg.Punctuate,
	}
	if cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(cfg.UtteranceEndMS)
	}
	return opts
}

type Recognizer struct {
	cfg     Config
	call    recognizer.Config
	audio   io.Reader
	handler recognizer.Handler
	logger  *slog.Logger
	retry   resilience.RetryPolicy

	mu       sync.Mutex
	dgClient *client.WSCallback
	cancel   context.CancelFunc
	streamWG sync.WaitGroup
	stopOnce sync.Once
}

func (r *Recognizer) StartContinuous(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := LiveOptions(r.cfg, r.call)

	r.logger.Info("initializing deepgram connection",
		slog.String("model", r.cfg.Model),
		slog.String("language", r.call.Language),
		slog.Int("sample_rate", r.call.Format.SampleRate),
		slog.Bool("interim_results", r.cfg.Interim))

	cb := &callback{handler: r.handler, logger: r.logger}
	dgClient, err := client.NewWSUsingCallback(ctx, r.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		cancel()
		r.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return err
	}

	err = r.retry.Do(ctx, func() error {
		if !dgClient.Connect() {
			r.logger.Warn("deepgram_connect_failed")
			return fmt.Errorf("deepgram connection failed")
		}
		return nil
	})
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	r.dgClient = dgClient
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info("deepgram_connected", slog.String("model", r.cfg.Model))

	r.streamWG.Add(1)
	go func() {
		defer r.streamWG.Done()
		if err := dgClient.Stream(r.audio); err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
			r.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// StopContinuous waits for the stream to drain the closed sink, then closes the socket.
func (r *Recognizer) StopContinuous(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	drained := make(chan struct{})
	go func() {
		r.streamWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.stopOnce.Do(func() {
		r.mu.Lock()
		dg := r.dgClient
		r.mu.Unlock()
		if dg != nil {
			dg.Stop()
		}
	})
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.logger.Info("closing deepgram connection")
	return nil
}

// callback adapts Deepgram socket events to a recognizer.Handler.
type callback struct {
	handler    recognizer.Handler
	logger     *slog.Logger
	metaLogged bool
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if mr.IsFinal {
		c.handler.OnFinal(transcript)
		return nil
	}
	c.handler.OnInterim(transcript)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.logger.Debug("utterance_end_event")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.logger.Info("deepgram_connection_closed")
	c.handler.OnStopped()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.handler.OnCanceled(er.ErrCode, fmt.Errorf("deepgram: %s", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var (
	_ recognizer.Provider               = (*Provider)(nil)
	_ recognizer.Recognizer             = (*Recognizer)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
