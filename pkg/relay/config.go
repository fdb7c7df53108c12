package relay

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/relay/pkg/configutil"
	"github.com/harunnryd/relay/pkg/errorsx"
	"github.com/harunnryd/relay/pkg/providers/mock"
	"github.com/harunnryd/relay/pkg/transports/twilio"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Recognizer    RecognizerConfig    `mapstructure:"recognizer"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Addr               string   `mapstructure:"addr"`
	PublicURL          string   `mapstructure:"public_url"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	ValidateSignature  bool     `mapstructure:"validate_signature"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	DrainTimeoutMS     int      `mapstructure:"drain_timeout_ms"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

type RecognizerConfig struct {
	Provider        string         `mapstructure:"provider"`
	APIKey          string         `mapstructure:"api_key"`
	Language        string         `mapstructure:"language"`
	SampleRate      int            `mapstructure:"sample_rate"`
	BitDepth        int            `mapstructure:"bit_depth"`
	Channels        int            `mapstructure:"channels"`
	SinkBufferBytes int            `mapstructure:"sink_buffer_bytes"`
	Settings        map[string]any `mapstructure:"settings"`
}

type WebhookConfig struct {
	URL               string `mapstructure:"url"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	DebounceMS        int    `mapstructure:"debounce_ms"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	SentryDSN        string  `mapstructure:"sentry_dsn"`
	MetricsJSONLPath string  `mapstructure:"metrics_jsonl_path"`
	MediaSampleRate  float64 `mapstructure:"media_sample_rate"`
	ArtifactsDir     string  `mapstructure:"artifacts_dir"`
	RetentionDays    int     `mapstructure:"retention_days"`
}

// classicEnv maps config keys to the bare variable names operators already use.
var classicEnv = map[string]string{
	"recognizer.api_key":       "DEEPGRAM_API_KEY",
	"webhook.url":              "WEBHOOK_URL",
	"twilio.auth_token":        "TWILIO_AUTH_TOKEN",
	"twilio.account_sid":       "TWILIO_ACCOUNT_SID",
	"twilio.from_number":       "TWILIO_FROM_NUMBER",
	"observability.sentry_dsn": "SENTRY_DSN",
	"server.public_url":        "PUBLIC_URL",
}

// LoadConfig reads an optional YAML file, overlays RELAY_* and classic
// environment variables, expands ${VAR} references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range classicEnv {
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && !addrOverridden(v) {
		cfg.Server.Addr = ":" + port
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.voice_path", "/voice")
	v.SetDefault("server.ws_path", "/twilio")
	v.SetDefault("server.status_callback_path", "/status")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.voice_greeting", twilio.DefaultVoiceGreeting)
	v.SetDefault("server.validate_signature", false)
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.drain_timeout_ms", 10000)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.from_number", "")

	v.SetDefault("recognizer.provider", "deepgram")
	v.SetDefault("recognizer.api_key", "")
	v.SetDefault("recognizer.language", "en-US")
	v.SetDefault("recognizer.sample_rate", 8000)
	v.SetDefault("recognizer.bit_depth", 16)
	v.SetDefault("recognizer.channels", 1)
	v.SetDefault("recognizer.sink_buffer_bytes", 320*1024)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout_ms", 5000)
	v.SetDefault("webhook.debounce_ms", 2000)
	v.SetDefault("webhook.circuit_threshold", 3)
	v.SetDefault("webhook.circuit_cooldown_ms", 30000)

	v.SetDefault("privacy.redact_pii", true)

	v.SetDefault("observability.sentry_dsn", "")
	v.SetDefault("observability.metrics_jsonl_path", "")
	v.SetDefault("observability.media_sample_rate", 0.01)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
}

// addrOverridden reports whether server.addr came from the file or RELAY_SERVER_ADDR.
func addrOverridden(v *viper.Viper) bool {
	if v.InConfig("server.addr") {
		return true
	}
	_, ok := os.LookupEnv(envName("server.addr"))
	return ok
}

func envName(key string) string {
	return "RELAY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func (c *Config) Validate() error {
	var err error
	fail := func(format string, args ...any) {
		if err == nil {
			err = errorsx.Newf(errorsx.ReasonConfigInvalid, format, args...)
		}
	}
	provider := strings.ToLower(strings.TrimSpace(c.Recognizer.Provider))
	if provider == "" {
		fail("recognizer.provider is required")
	}
	if provider != mock.ProviderName && strings.TrimSpace(c.Recognizer.APIKey) == "" {
		fail("recognizer.api_key is required (set DEEPGRAM_API_KEY)")
	}
	if e := configutil.RequireString(c.Webhook.URL, "webhook.url"); e != nil {
		fail("%s (set WEBHOOK_URL)", e.Error())
	}
	if c.Webhook.DebounceMS < 0 {
		fail("webhook.debounce_ms must not be negative")
	}
	if r := c.Observability.MediaSampleRate; r < 0 || r > 1 {
		fail("observability.media_sample_rate must be within [0,1]")
	}
	if c.Observability.RetentionDays < 0 {
		fail("observability.retention_days must not be negative")
	}
	if c.Server.ValidateSignature && strings.TrimSpace(c.Twilio.AuthToken) == "" {
		fail("server.validate_signature requires twilio.auth_token")
	}
	return err
}

// TransportConfig projects the server and Twilio sections onto the transport.
func (c Config) TransportConfig() twilio.Config {
	return twilio.Config{
		ServerAddr:         c.Server.Addr,
		PublicURL:          c.Server.PublicURL,
		AuthToken:          c.Twilio.AuthToken,
		AccountSID:         c.Twilio.AccountSID,
		VoicePath:          c.Server.VoicePath,
		WebsocketPath:      c.Server.WebsocketPath,
		StatusCallbackPath: c.Server.StatusCallbackPath,
		MetricsPath:        c.Server.MetricsPath,
		VoiceGreeting:      c.Server.VoiceGreeting,
		ValidateSignature:  c.Server.ValidateSignature,
		AllowAnyOrigin:     c.Server.AllowAnyOrigin,
		AllowedOrigins:     c.Server.AllowedOrigins,
	}
}

func (c Config) DrainTimeout() time.Duration {
	return configutil.Millis(c.Server.DrainTimeoutMS, 10*time.Second)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Recognizer.Settings = expandSettings(cfg.Recognizer.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
