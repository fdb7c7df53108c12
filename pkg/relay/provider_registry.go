package relay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/relay/pkg/configutil"
	"github.com/harunnryd/relay/pkg/providers/deepgram"
	"github.com/harunnryd/relay/pkg/providers/mock"
	"github.com/harunnryd/relay/pkg/recognizer"
)

// ProviderFactory builds a recognizer provider from the recognizer section.
type ProviderFactory func(cfg RecognizerConfig, logger *slog.Logger) (recognizer.Provider, error)

type ProviderRegistry struct {
	factories map[string]ProviderFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: make(map[string]ProviderFactory)}
}

// DefaultProviderRegistry knows the deepgram and mock engines.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.Register(deepgram.ProviderName, buildDeepgram)
	r.Register(mock.ProviderName, buildMock)
	return r
}

func (r *ProviderRegistry) Register(name string, factory ProviderFactory) {
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) Build(cfg RecognizerConfig, logger *slog.Logger) (recognizer.Provider, error) {
	fn := r.factories[strings.ToLower(strings.TrimSpace(cfg.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("recognizer provider not registered: %s", cfg.Provider)
	}
	return fn(cfg, logger)
}

type deepgramSettings struct {
	Model          string `mapstructure:"model"`
	InterimResults *bool  `mapstructure:"interim_results"`
	VADEvents      bool   `mapstructure:"vad_events"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	Punctuate      *bool  `mapstructure:"punctuate"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	ConnectRetries int    `mapstructure:"connect_retries"`
	ConnectBackoff int    `mapstructure:"connect_backoff_ms"`
}

var deepgramSchema = configutil.Schema{
	Path: "recognizer.settings",
	Optional: []string{
		"model", "interim_results", "vad_events", "smart_format", "punctuate",
		"utterance_end_ms", "connect_retries", "connect_backoff_ms",
	},
}

func buildDeepgram(cfg RecognizerConfig, logger *slog.Logger) (recognizer.Provider, error) {
	var s deepgramSettings
	if err := configutil.Settings(cfg.Settings, deepgramSchema, &s); err != nil {
		return nil, err
	}
	return deepgram.NewProvider(deepgram.Config{
		APIKey:         cfg.APIKey,
		Model:          s.Model,
		Interim:        configutil.BoolValue(s.InterimResults, true),
		VADEvents:      s.VADEvents,
		SmartFormat:    configutil.BoolValue(s.SmartFormat, true),
		Punctuate:      configutil.BoolValue(s.Punctuate, true),
		UtteranceEndMS: s.UtteranceEndMS,
		ConnectRetries: s.ConnectRetries,
		ConnectBackoff: configutil.Millis(s.ConnectBackoff, 0),
	}, logger)
}

type mockSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       bool   `mapstructure:"emit_interim"`
	FinalEveryBytes   int    `mapstructure:"final_every_bytes"`
	FailCreate        bool   `mapstructure:"fail_create"`
	FailStart         bool   `mapstructure:"fail_start"`
}

var mockSchema = configutil.Schema{
	Path: "recognizer.settings",
	Optional: []string{
		"transcript", "interim_transcript", "emit_interim", "final_every_bytes", "fail_create", "fail_start",
	},
}

func buildMock(cfg RecognizerConfig, _ *slog.Logger) (recognizer.Provider, error) {
	var s mockSettings
	if err := configutil.Settings(cfg.Settings, mockSchema, &s); err != nil {
		return nil, err
	}
	return mock.NewProvider(mock.Config{
		Transcript:        s.Transcript,
		InterimTranscript: s.InterimTranscript,
		EmitInterim:       s.EmitInterim,
		FinalEveryBytes:   s.FinalEveryBytes,
		FailCreate:        s.FailCreate,
		FailStart:         s.FailStart,
	}), nil
}
