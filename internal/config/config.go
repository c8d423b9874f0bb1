package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string `mapstructure:"PORT"`
	UpstreamURL            string `mapstructure:"UPSTREAM_URL"`
	RealtimeURL            string `mapstructure:"REALTIME_URL"`
	RealtimeNamespace      string `mapstructure:"REALTIME_NAMESPACE"`
	UpstreamTimeoutSeconds int    `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`
	ReconnectMinSeconds    int    `mapstructure:"RECONNECT_MIN_SECONDS"`
	ReconnectMaxSeconds    int    `mapstructure:"RECONNECT_MAX_SECONDS"`
	AuthToken              string `mapstructure:"AUTH_TOKEN"`
	AuthTokenFile          string `mapstructure:"AUTH_TOKEN_FILE"`
	SessionDatabaseURL     string `mapstructure:"SESSION_DB_DSN"`
	SessionUserID          string `mapstructure:"SESSION_USER_ID"`
	UnknownPatientName     string `mapstructure:"UNKNOWN_PATIENT_NAME"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
	LogFormat              string `mapstructure:"LOG_FORMAT"`
	RateLimitPerMinute     int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst         int    `mapstructure:"RATE_LIMIT_BURST"`
	DefaultCounterID       string `mapstructure:"DEFAULT_COUNTER_ID"`
	DeskTokens             string `mapstructure:"DESK_TOKENS"`
	DeskAuthDisabled       bool   `mapstructure:"DESK_AUTH_DISABLED"`

	OTLPEndpoint     string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_RATIO"`
}

var keys = []string{
	"PORT",
	"UPSTREAM_URL",
	"REALTIME_URL",
	"REALTIME_NAMESPACE",
	"UPSTREAM_TIMEOUT_SECONDS",
	"RECONNECT_MIN_SECONDS",
	"RECONNECT_MAX_SECONDS",
	"AUTH_TOKEN",
	"AUTH_TOKEN_FILE",
	"SESSION_DB_DSN",
	"SESSION_USER_ID",
	"UNKNOWN_PATIENT_NAME",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"RATE_LIMIT_PER_MIN",
	"RATE_LIMIT_BURST",
	"DEFAULT_COUNTER_ID",
	"DESK_TOKENS",
	"DESK_AUTH_DISABLED",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_INSECURE",
	"OTEL_TRACES_SAMPLER_RATIO",
}

// Load reads the environment and an optional .env file in the working
// directory. It does not validate; callers that need the upstream call
// Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8090")
	v.SetDefault("REALTIME_NAMESPACE", "/reception")
	v.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 10)
	v.SetDefault("RECONNECT_MIN_SECONDS", 1)
	v.SetDefault("RECONNECT_MAX_SECONDS", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("DESK_AUTH_DISABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_TRACES_SAMPLER_RATIO", 1.0)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.UpstreamURL = strings.TrimRight(strings.TrimSpace(cfg.UpstreamURL), "/")
	cfg.RealtimeURL = strings.TrimSpace(cfg.RealtimeURL)
	cfg.DefaultCounterID = strings.TrimSpace(cfg.DefaultCounterID)
	cfg.OTLPEndpoint = strings.TrimSpace(cfg.OTLPEndpoint)
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if err := checkURL("UPSTREAM_URL", c.UpstreamURL, "http", "https"); err != nil {
		return err
	}
	if c.RealtimeURL != "" {
		if err := checkURL("REALTIME_URL", c.RealtimeURL, "http", "https", "ws", "wss"); err != nil {
			return err
		}
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", c.UpstreamTimeoutSeconds)
	}
	if c.ReconnectMinSeconds <= 0 || c.ReconnectMaxSeconds < c.ReconnectMinSeconds {
		return fmt.Errorf("RECONNECT_MIN_SECONDS must be positive and not above RECONNECT_MAX_SECONDS")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_RATIO must be within [0, 1], got %v", c.TraceSampleRatio)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", c.LogFormat)
	}
	return nil
}

// ValidateServe adds the checks only the server needs: desk callers must be
// verifiable unless auth is switched off explicitly.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.DeskAuthDisabled && strings.Trim(c.DeskTokens, ", \t") == "" && c.SessionDatabaseURL == "" {
		return fmt.Errorf("DESK_TOKENS or SESSION_DB_DSN is required to authenticate desks; set DESK_AUTH_DISABLED=true to run open")
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL, got %q", key, strings.Join(schemes, "/"), raw)
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinSeconds) * time.Second
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSeconds) * time.Second
}

// RealtimeEndpoint is REALTIME_URL when set, otherwise UPSTREAM_URL joined
// with REALTIME_NAMESPACE.
func (c *Config) RealtimeEndpoint() string {
	if c.RealtimeURL != "" {
		return c.RealtimeURL
	}
	if c.UpstreamURL == "" {
		return ""
	}
	namespace := strings.TrimSpace(c.RealtimeNamespace)
	if namespace != "" && !strings.HasPrefix(namespace, "/") {
		namespace = "/" + namespace
	}
	return c.UpstreamURL + namespace
}
