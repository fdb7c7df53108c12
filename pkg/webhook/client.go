// Package webhook delivers finalized transcripts to the downstream automation endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/frames"
	"github.com/harunnryd/relay/pkg/resilience"
)

// TimestampLayout is ISO-8601 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrCircuitOpen = errorsx.ReasonedError{
	Err:    fmt.Errorf("webhook circuit open"),
	Reason: errorsx.ReasonWebhookCircuitOpen,
}

type Config struct {
	URL              string
	Timeout          time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	UserAgent        string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "relay-webhook/1"
	}
	return c
}

// Payload is the JSON body posted for each accepted transcript.
type Payload struct {
	CallID    string `json:"callId"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func NewPayload(ev frames.TranscriptEvent) Payload {
	return Payload{
		CallID:    ev.CallID,
		Text:      ev.Text,
		Timestamp: ev.Timestamp.UTC().Format(TimestampLayout),
	}
}

type Client struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// New validates the endpoint and builds a client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "webhook url %q must be an absolute http(s) url", cfg.URL)
	}
	cfg.URL = u.String()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		client:  httpClient,
		breaker: resilience.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
	}, nil
}

func (c *Client) URL() string { return c.cfg.URL }

// Notify POSTs one transcript. The response body is drained but not inspected.
func (c *Client) Notify(ctx context.Context, ev frames.TranscriptEvent) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := c.post(ctx, ev)
	if err != nil {
		c.breaker.OnError(err)
		return err
	}
	c.breaker.OnSuccess()
	return nil
}

func (c *Client) post(ctx context.Context, ev frames.TranscriptEvent) error {
	body, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonWebhookSend)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonWebhookSend)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonWebhookSend)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errorsx.Wrap(resilience.RateLimitError{
			Target:  "webhook",
			Message: fmt.Sprintf("webhook rate limited (%d)", resp.StatusCode),
		}, errorsx.ReasonWebhookRateLimit)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errorsx.Newf(errorsx.ReasonWebhookStatus, "webhook returned status %d", resp.StatusCode)
	}
	return nil
}
