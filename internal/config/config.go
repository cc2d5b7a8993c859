// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable override (SENTINEL_AGENT_SITE_ID, ...).
const EnvPrefix = "SENTINEL"

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
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

// CollectorConfig describes where telemetry is shipped.
type CollectorConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	TrackPath   string        `mapstructure:"track_path" yaml:"track_path"`
	SessionPath string        `mapstructure:"session_path" yaml:"session_path"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// IgnoreTLSErrors accepts self-signed collector certificates.
	IgnoreTLSErrors bool `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// TrackURL is the page-view and vitals endpoint.
func (c CollectorConfig) TrackURL() string { return joinURL(c.BaseURL, c.TrackPath) }

// SessionURL is the session flush endpoint.
func (c CollectorConfig) SessionURL() string { return joinURL(c.BaseURL, c.SessionPath) }

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// AgentConfig tunes the telemetry agent itself.
type AgentConfig struct {
	// SiteID overrides the data-site-id attribute read from the page when set.
	SiteID              string        `mapstructure:"site_id" yaml:"site_id"`
	FlushInterval       time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	VitalsSettleDelay   time.Duration `mapstructure:"vitals_settle_delay" yaml:"vitals_settle_delay"`
	RetainFailedBatches bool          `mapstructure:"retain_failed_batches" yaml:"retain_failed_batches"`
	FlushOnClose        bool          `mapstructure:"flush_on_close" yaml:"flush_on_close"`
	RecorderURL         string        `mapstructure:"recorder_url" yaml:"recorder_url"`
	VitalsURL           string        `mapstructure:"vitals_url" yaml:"vitals_url"`
}

// BrowserConfig holds settings for the headless browser hosting the agent.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	ScreenWidth     int           `mapstructure:"screen_width" yaml:"screen_width"`
	ScreenHeight    int           `mapstructure:"screen_height" yaml:"screen_height"`
	LoadTimeout     time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sentinel-agent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Collector --
	v.SetDefault("collector.base_url", "https://api-sentinel.getmusterup.com")
	v.SetDefault("collector.track_path", "/track")
	v.SetDefault("collector.session_path", "/session")
	v.SetDefault("collector.timeout", "10s")
	v.SetDefault("collector.ignore_tls_errors", false)

	// -- Agent --
	v.SetDefault("agent.site_id", "")
	v.SetDefault("agent.flush_interval", "10s")
	v.SetDefault("agent.vitals_settle_delay", "100ms")
	v.SetDefault("agent.retain_failed_batches", false)
	v.SetDefault("agent.flush_on_close", true)
	v.SetDefault("agent.recorder_url", "https://cdn.jsdelivr.net/npm/rrweb@latest/dist/rrweb.min.js")
	v.SetDefault("agent.vitals_url", "https://unpkg.com/web-vitals@4?module")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.screen_width", 1920)
	v.SetDefault("browser.screen_height", 1080)
	v.SetDefault("browser.load_timeout", "30s")
}

// NewConfigFromViper creates a validated configuration instance from a viper object.
// Environment variables prefixed with SENTINEL_ override file values.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
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
	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("collector configuration invalid: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if c.Browser.ScreenWidth <= 0 {
		return fmt.Errorf("browser.screen_width must be a positive integer")
	}
	if c.Browser.LoadTimeout <= 0 {
		return fmt.Errorf("browser.load_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the collector endpoint settings.
func (c *CollectorConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", c.BaseURL)
	}
	if c.TrackPath == "" || c.SessionPath == "" {
		return fmt.Errorf("track_path and session_path are required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}

// Validate checks the agent timing settings.
func (a *AgentConfig) Validate() error {
	if a.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be a positive duration")
	}
	if a.VitalsSettleDelay < 0 {
		return fmt.Errorf("vitals_settle_delay must not be negative")
	}
	return nil
}
