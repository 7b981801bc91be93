// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Trace     TraceConfig     `mapstructure:"trace" yaml:"trace"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Grounding GroundingConfig `mapstructure:"grounding" yaml:"grounding"`
	Screen    ScreenConfig    `mapstructure:"screen" yaml:"screen"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig tunes the control-plane HTTP listener.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// TraceConfig locates the recorded demonstration traces.
type TraceConfig struct {
	// Dir is the root directory the store resolves trace IDs under.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// SessionConfig governs the task execution loop.
type SessionConfig struct {
	// DefaultMaxSteps is the step budget used when a request does not
	// supply one.
	DefaultMaxSteps int `mapstructure:"default_max_steps" yaml:"default_max_steps"`
	// GroundRetryLimit bounds retries of a step after a grounding
	// rejection or execution error before the session fails.
	GroundRetryLimit int `mapstructure:"ground_retry_limit" yaml:"ground_retry_limit"`
	// VerifyFailureThreshold is the number of consecutive negative
	// verifications that escalates to a failed session. 0 disables the
	// escalation entirely.
	VerifyFailureThreshold int `mapstructure:"verify_failure_threshold" yaml:"verify_failure_threshold"`
	// StepPacing is slept before each capture so the UI can settle.
	StepPacing time.Duration `mapstructure:"step_pacing" yaml:"step_pacing"`
}

// GroundingProvider selects the grounding backend.
type GroundingProvider string

const (
	// ProviderHTTP sends grounding requests to a standalone inference
	// server's /generate_action endpoint.
	ProviderHTTP GroundingProvider = "http"
	// ProviderGemini grounds directly against a Gemini vision model.
	ProviderGemini GroundingProvider = "gemini"
)

// GroundingConfig configures the grounding client.
type GroundingConfig struct {
	Provider GroundingProvider `mapstructure:"provider" yaml:"provider"`
	// Endpoint is the inference server base URL for the http provider.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// RequestTimeout caps a single grounding or verification call.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// ServiceRetries bounds transport-level retries inside the client
	// before a service error escapes to the loop.
	ServiceRetries int `mapstructure:"service_retries" yaml:"service_retries"`
	// BackoffBase is the initial backoff between transport retries; it
	// doubles per attempt.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	// HistoryWindow bounds how many prior history lines travel with each
	// request.
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
	// RateLimit is the sustained request rate toward the service, in
	// requests per second.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	// Model and APIKey configure the gemini provider.
	Model  string `mapstructure:"model" yaml:"model"`
	APIKey string `mapstructure:"api_key" yaml:"-"`
}

// ScreenConfig configures the live screen backend.
type ScreenConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// StartURL is the surface loaded into the automation target at startup.
	StartURL string `mapstructure:"start_url" yaml:"start_url"`
	// ViewportWidth/Height define the capture geometry.
	ViewportWidth  int `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int `mapstructure:"viewport_height" yaml:"viewport_height"`
	// CaptureTimeout caps a single screenshot call.
	CaptureTimeout time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
	// ExecuteTimeout caps a single input dispatch.
	ExecuteTimeout time.Duration  `mapstructure:"execute_timeout" yaml:"execute_timeout"`
	Humanoid       HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// HumanoidConfig tunes the human-like pointer synthesis used when
// dispatching grounded clicks and drags.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// FittsA and FittsB are the intercept/slope (ms) of the Fitts's-law
	// movement time model.
	FittsA float64 `mapstructure:"fitts_a" yaml:"fitts_a"`
	FittsB float64 `mapstructure:"fitts_b" yaml:"fitts_b"`
	// JitterPx is the amplitude of positional noise along the path.
	JitterPx float64 `mapstructure:"jitter_px" yaml:"jitter_px"`
	// ClickHoldMinMs/MaxMs bound the press-release interval.
	ClickHoldMinMs int `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "retrace")
	v.SetDefault("logger.log_file", "retrace.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen_addr", "0.0.0.0:7888")
	v.SetDefault("server.request_timeout", "30s")

	// -- Trace --
	v.SetDefault("trace.dir", "./trace_data")

	// -- Session --
	v.SetDefault("session.default_max_steps", 50)
	v.SetDefault("session.ground_retry_limit", 3)
	v.SetDefault("session.verify_failure_threshold", 3)
	v.SetDefault("session.step_pacing", "1s")

	// -- Grounding --
	v.SetDefault("grounding.provider", "http")
	v.SetDefault("grounding.endpoint", "http://127.0.0.1:7887")
	v.SetDefault("grounding.request_timeout", "120s")
	v.SetDefault("grounding.service_retries", 3)
	v.SetDefault("grounding.backoff_base", "500ms")
	v.SetDefault("grounding.history_window", 10)
	v.SetDefault("grounding.rate_limit", 2.0)
	v.SetDefault("grounding.model", "gemini-2.5-flash")

	// -- Screen --
	v.SetDefault("screen.headless", true)
	v.SetDefault("screen.start_url", "about:blank")
	v.SetDefault("screen.viewport_width", 1280)
	v.SetDefault("screen.viewport_height", 800)
	v.SetDefault("screen.capture_timeout", "10s")
	v.SetDefault("screen.execute_timeout", "30s")
	v.SetDefault("screen.humanoid.enabled", true)
	v.SetDefault("screen.humanoid.fitts_a", 120.0)
	v.SetDefault("screen.humanoid.fitts_b", 110.0)
	v.SetDefault("screen.humanoid.jitter_px", 1.5)
	v.SetDefault("screen.humanoid.click_hold_min_ms", 40)
	v.SetDefault("screen.humanoid.click_hold_max_ms", 120)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("grounding.api_key", "RETRACE_GROUNDING_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Session.DefaultMaxSteps <= 0 {
		return fmt.Errorf("session.default_max_steps must be a positive integer")
	}
	if c.Session.GroundRetryLimit <= 0 {
		return fmt.Errorf("session.ground_retry_limit must be a positive integer")
	}
	if c.Session.VerifyFailureThreshold < 0 {
		return fmt.Errorf("session.verify_failure_threshold must not be negative")
	}
	if c.Grounding.RequestTimeout <= 0 {
		return fmt.Errorf("grounding.request_timeout must be a positive duration")
	}
	if c.Grounding.HistoryWindow < 0 {
		return fmt.Errorf("grounding.history_window must not be negative")
	}
	switch c.Grounding.Provider {
	case ProviderHTTP:
		if c.Grounding.Endpoint == "" {
			return fmt.Errorf("grounding.endpoint is required for the http provider")
		}
	case ProviderGemini:
		if c.Grounding.Model == "" {
			return fmt.Errorf("grounding.model is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown grounding provider %q", c.Grounding.Provider)
	}
	if err := c.Screen.Humanoid.Validate(); err != nil {
		return fmt.Errorf("screen.humanoid configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the humanoid pointer settings.
func (h *HumanoidConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.FittsA < 0 || h.FittsB < 0 {
		return fmt.Errorf("fitts_a and fitts_b must not be negative")
	}
	if h.ClickHoldMinMs < 0 || h.ClickHoldMaxMs < h.ClickHoldMinMs {
		return fmt.Errorf("click_hold_min_ms/max_ms must satisfy 0 <= min <= max")
	}
	return nil
}
