package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/errreport"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/metrics"
	"github.com/harunnryd/relay/pkg/recognizer"
	"github.com/harunnryd/relay/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	ValidateSignature  bool     `mapstructure:"validate_signature"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Options struct {
	// Open starts recognition for a call; required for media to reach a recognizer.
	Open RecognitionOpener
	// NewSink builds the per-call transcript sink (the debounced forwarder).
	NewSink        func() recognizer.TranscriptSink
	Logger         *slog.Logger
	Observer       metrics.Observer
	MetricsHandler http.Handler
}

// Transport is the relay server: Twilio webhooks plus the media stream WebSocket.
type Transport struct {
	cfg      Config
	opts     Options
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	baseCtx  context.Context

	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	callSIDs map[string]string

	active   sync.WaitGroup
	draining atomic.Bool
}

func New(cfg Config, opts Options) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:    cfg,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "twilio_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		baseCtx:  context.Background(),
		conns:    make(map[string]*websocket.Conn),
		callSIDs: make(map[string]string),
	}
	t.opts.Observer = metrics.OrNoop(opts.Observer)
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"addr":                t.Addr(),
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
		"ws_path":             t.cfg.WebsocketPath,
	}
}

// Handler returns the HTTP routes served by the relay.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", t.handleHealth)
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	if t.opts.MetricsHandler != nil {
		mux.Handle(t.cfg.MetricsPath, t.opts.MetricsHandler)
	}
	return errreport.Recover(mux)
}

// Start binds the listener and serves in the background until ctx is done or Stop is called.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.baseCtx = ctx
	t.listener = ln
	t.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	srv := t.server
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("twilio_transport_listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound listen address, or the configured one before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.cfg.ServerAddr
}

// Drain refuses new media streams, closes every live call and waits for their
// recognizers and webhook deliveries to finish.
func (t *Transport) Drain() error {
	t.mu.Lock()
	t.draining.Store(true)
	live := make([]*websocket.Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		live = append(live, conn)
	}
	t.mu.Unlock()
	for _, conn := range live {
		_ = conn.Close()
	}
	t.active.Wait()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// ServeHTTP upgrades a media stream and runs its Call until the socket closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("twilio_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	traceID := uuid.NewString()
	var sink recognizer.TranscriptSink
	if t.opts.NewSink != nil {
		sink = t.opts.NewSink()
	}
	call := NewCall(conn, t.opts.Open, CallOptions{
		TraceID:  traceID,
		Sink:     sink,
		Logger:   t.opts.Logger,
		Observer: t.opts.Observer,
		OnStart: func(info CallInfo) {
			t.bindCallSID(info.CallSID, traceID)
		},
	})
	if !t.attach(traceID, conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "draining"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer func() {
		call.Close()
		_ = conn.Close()
		t.detach(traceID, call.Info().CallSID)
		go func() {
			defer t.active.Done()
			call.Wait()
		}()
	}()

	ctx := t.context()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && call.State() != CallClosed {
				t.logger.Debug("twilio_read_ended",
					slog.String(frames.MetaTraceID, traceID),
					slog.String("error", err.Error()),
					slog.String(frames.MetaReason, string(errorsx.ReasonTransportRead)))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !call.Handle(ctx, msg) {
			return
		}
	}
}

func (t *Transport) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseCtx
}

func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.signatureRequired() && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", slog.String(frames.MetaReason, string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	doc, err := buildStreamTwiml(t.cfg.VoiceGreeting, t.websocketURL(r))
	if err != nil {
		t.logger.Error("twilio_twiml_render_failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.signatureRequired() && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", slog.String(frames.MetaReason, string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if t.closeCall(callSID) {
		t.logger.Info("twilio_status_closed_call",
			slog.String(frames.MetaCallSID, callSID),
			slog.String("call_end_reason", reason))
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) signatureRequired() bool {
	return t.cfg.ValidateSignature && t.cfg.AuthToken != ""
}

// attach registers a live call; it fails once draining has begun.
func (t *Transport) attach(traceID string, conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining.Load() {
		return false
	}
	t.conns[traceID] = conn
	t.active.Add(1)
	return true
}

func (t *Transport) bindCallSID(callSID, traceID string) {
	if callSID == "" {
		return
	}
	t.mu.Lock()
	t.callSIDs[callSID] = traceID
	t.mu.Unlock()
}

func (t *Transport) detach(traceID, callSID string) {
	t.mu.Lock()
	delete(t.conns, traceID)
	if callSID != "" && t.callSIDs[callSID] == traceID {
		delete(t.callSIDs, callSID)
	}
	t.mu.Unlock()
}

// closeCall closes the media socket of callSID; its read loop then tears the call down.
func (t *Transport) closeCall(callSID string) bool {
	t.mu.Lock()
	conn := t.conns[t.callSIDs[callSID]]
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ActiveCalls returns the number of connected media streams.
func (t *Transport) ActiveCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = "localhost" + t.cfg.ServerAddr
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicHTTPURL(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.publicHTTPURL(t.cfg.StatusCallbackPath)
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var (
	_ transports.Server        = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
