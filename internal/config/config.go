package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kagent-dev/sage/pkg/cache"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/research"
)

// Config represents the research agent configuration
type Config struct {
	Research  ResearchConfig  `yaml:"research"`
	Cache     CacheConfig     `yaml:"cache"`
	Tools     ToolsConfig     `yaml:"tools"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Server    ServerConfig    `yaml:"server"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ResearchConfig holds the per-session limits
type ResearchConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	QualityThreshold float64       `yaml:"quality_threshold"`
	MinSources       int           `yaml:"min_sources"`
	OracleTimeout    time.Duration `yaml:"oracle_timeout"`
}

// CacheConfig selects the cache store backend
type CacheConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn,omitempty"`
	DSNEnv          string        `yaml:"dsn_env,omitempty"`
	KeyPrefix       string        `yaml:"key_prefix,omitempty"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

// ToolsConfig holds search tool configuration
type ToolsConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	TavilyAPIKey    string        `yaml:"tavily_api_key,omitempty"`
	TavilyAPIKeyEnv string        `yaml:"tavily_api_key_env,omitempty"`
	UserAgent       string        `yaml:"user_agent,omitempty"`
	NewsLanguage    string        `yaml:"news_language"`
	NewsRegion      string        `yaml:"news_region"`
	// DuckDuckGoRate is in requests per second.
	DuckDuckGoRate float64 `yaml:"duckduckgo_rate"`
	ScrapeMaxChars int     `yaml:"scrape_max_chars"`
}

// OracleConfig holds the LLM provider used as decision oracle
type OracleConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []FallbackConfig `yaml:"fallbacks,omitempty"`
}

// FallbackConfig is a secondary oracle provider
type FallbackConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// ExecutorConfig bounds concurrent sessions
type ExecutorConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EventsConfig holds the optional NATS event sink
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	NATSURLEnv    string `yaml:"nats_url_env,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig holds log level and the optional rotating log file
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig holds OTLP trace export configuration. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadConfig loads configuration from a YAML file. An empty path yields the
// default configuration.
func LoadConfig(filePath string) (*Config, error) {
	return Load(filePath, nil)
}

// Load reads filePath over the defaults, applies the overrides bound to v and
// resolves secrets from the environment. Values set explicitly, zeros
// included, are kept.
func Load(filePath string, v *viper.Viper) (*Config, error) {
	config := DefaultConfig()
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "failed to parse config", err)
		}
	}

	ApplyOverrides(v, config)
	config.normalize()
	config.ResolveSecrets()
	return config, nil
}

// LoadEnvFiles loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	var existing []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// SetDefaults fills the zero-valued fields of a Config built in code from
// DefaultConfig. A zero cannot be told apart from unset here; use Load for
// files and flags.
func (c *Config) SetDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	c.normalize()
	return nil
}

// normalize lowercases provider names and picks the conventional key
// variable for providers without an explicit key.
func (c *Config) normalize() {
	c.Oracle.Provider = strings.ToLower(strings.TrimSpace(c.Oracle.Provider))
	if c.Oracle.APIKey == "" && c.Oracle.APIKeyEnv == "" {
		c.Oracle.APIKeyEnv = defaultKeyEnv(c.Oracle.Provider)
	}
	for i := range c.Oracle.Fallbacks {
		f := &c.Oracle.Fallbacks[i]
		f.Provider = strings.ToLower(strings.TrimSpace(f.Provider))
		if f.APIKey == "" && f.APIKeyEnv == "" {
			f.APIKeyEnv = defaultKeyEnv(f.Provider)
		}
	}
}

// ResolveSecrets reads secrets from the environment variables named in the
// *_env fields. A variable that is set wins over the inline value.
func (c *Config) ResolveSecrets() {
	resolve := func(value *string, env string) {
		if env == "" {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*value = v
		}
	}
	resolve(&c.Oracle.APIKey, c.Oracle.APIKeyEnv)
	for i := range c.Oracle.Fallbacks {
		resolve(&c.Oracle.Fallbacks[i].APIKey, c.Oracle.Fallbacks[i].APIKeyEnv)
	}
	resolve(&c.Tools.TavilyAPIKey, c.Tools.TavilyAPIKeyEnv)
	resolve(&c.Cache.DSN, c.Cache.DSNEnv)
	resolve(&c.Events.NATSURL, c.Events.NATSURLEnv)
}

func defaultKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// Validate validates the configuration, reporting every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Research.MaxIterations < 1 {
		add("research.max_iterations must be at least 1, got %d", c.Research.MaxIterations)
	}
	if c.Research.QualityThreshold < 0 || c.Research.QualityThreshold > 10 {
		add("research.quality_threshold must be within [0, 10], got %v", c.Research.QualityThreshold)
	}
	if c.Research.MinSources < 1 {
		add("research.min_sources must be at least 1, got %d", c.Research.MinSources)
	}
	if c.Research.OracleTimeout <= 0 {
		add("research.oracle_timeout must be positive")
	}

	switch c.Cache.Driver {
	case cache.DriverSQLite, cache.DriverPostgres, cache.DriverMemory, cache.DriverRedis:
	default:
		add("cache.driver %q is not one of sqlite, postgres, memory, redis", c.Cache.Driver)
	}
	if (c.Cache.Driver == cache.DriverPostgres || c.Cache.Driver == cache.DriverRedis) && c.Cache.DSN == "" {
		add("cache.dsn or cache.dsn_env is required for the %s driver", c.Cache.Driver)
	}
	if c.Cache.FreshnessWindow < 0 {
		add("cache.freshness_window must not be negative")
	}

	if c.Tools.Timeout <= 0 {
		add("tools.timeout must be positive")
	}
	if c.Tools.DuckDuckGoRate <= 0 {
		add("tools.duckduckgo_rate must be positive")
	}

	seen := map[string]bool{}
	checkProvider := func(field, provider string) {
		switch strings.ToLower(provider) {
		case "openai", "anthropic", "gemini":
		default:
			add("%s %q is not one of openai, anthropic, gemini", field, provider)
		}
		if seen[strings.ToLower(provider)] {
			add("%s %q is already configured", field, provider)
		}
		seen[strings.ToLower(provider)] = true
	}
	checkProvider("oracle.provider", c.Oracle.Provider)
	for i, f := range c.Oracle.Fallbacks {
		checkProvider(fmt.Sprintf("oracle.fallbacks[%d].provider", i), f.Provider)
	}

	if c.Executor.MaxConcurrentSessions < 1 {
		add("executor.max_concurrent_sessions must be at least 1")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d is out of range", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio must be within [0, 1]")
	}

	if err := result.ErrorOrNil(); err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "invalid configuration", err)
	}
	return nil
}

// Limits returns the session limits for new sessions.
func (c *Config) Limits() research.Limits {
	return research.Limits{
		MaxIterations:    c.Research.MaxIterations,
		QualityThreshold: c.Research.QualityThreshold,
		MinSources:       c.Research.MinSources,
	}
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Research: ResearchConfig{
			MaxIterations:    20,
			QualityThreshold: 7.0,
			MinSources:       5,
			OracleTimeout:    2 * time.Minute,
		},
		Cache: CacheConfig{
			Driver:          cache.DriverSQLite,
			DSN:             "sage.db",
			KeyPrefix:       "sage",
			FreshnessWindow: 24 * time.Hour,
		},
		Tools: ToolsConfig{
			Timeout:         30 * time.Second,
			TavilyAPIKeyEnv: "TAVILY_API_KEY",
			NewsLanguage:    "en",
			NewsRegion:      "US",
			DuckDuckGoRate:  1,
			ScrapeMaxChars:  8000,
		},
		Oracle: OracleConfig{
			Provider:    "openai",
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		Executor: ExecutorConfig{
			MaxConcurrentSessions: 4,
			ShutdownTimeout:       30 * time.Second,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Events: EventsConfig{
			NATSURLEnv:    "SAGE_NATS_URL",
			SubjectPrefix: "sage.sessions",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "sage",
			SampleRatio: 1,
		},
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewViper returns a viper instance reading SAGE_* environment variables,
// e.g. SAGE_RESEARCH_MAX_ITERATIONS for research.max_iterations.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// override copies one viper key into the config when it is set.
type override struct {
	key   string
	apply func(v *viper.Viper, c *Config, key string)
}

var overrides = []override{
	{"research.max_iterations", func(v *viper.Viper, c *Config, k string) { c.Research.MaxIterations = v.GetInt(k) }},
	{"research.quality_threshold", func(v *viper.Viper, c *Config, k string) { c.Research.QualityThreshold = v.GetFloat64(k) }},
	{"research.min_sources", func(v *viper.Viper, c *Config, k string) { c.Research.MinSources = v.GetInt(k) }},
	{"research.oracle_timeout", func(v *viper.Viper, c *Config, k string) { c.Research.OracleTimeout = v.GetDuration(k) }},
	{"cache.driver", func(v *viper.Viper, c *Config, k string) { c.Cache.Driver = v.GetString(k) }},
	{"cache.dsn", func(v *viper.Viper, c *Config, k string) { c.Cache.DSN = v.GetString(k) }},
	{"cache.freshness_window", func(v *viper.Viper, c *Config, k string) { c.Cache.FreshnessWindow = v.GetDuration(k) }},
	{"tools.timeout", func(v *viper.Viper, c *Config, k string) { c.Tools.Timeout = v.GetDuration(k) }},
	{"tools.tavily_api_key", func(v *viper.Viper, c *Config, k string) { c.Tools.TavilyAPIKey = v.GetString(k) }},
	{"oracle.provider", func(v *viper.Viper, c *Config, k string) { c.Oracle.Provider = v.GetString(k) }},
	{"oracle.model", func(v *viper.Viper, c *Config, k string) { c.Oracle.Model = v.GetString(k) }},
	{"oracle.api_key", func(v *viper.Viper, c *Config, k string) { c.Oracle.APIKey = v.GetString(k) }},
	{"oracle.base_url", func(v *viper.Viper, c *Config, k string) { c.Oracle.BaseURL = v.GetString(k) }},
	{"executor.max_concurrent_sessions", func(v *viper.Viper, c *Config, k string) { c.Executor.MaxConcurrentSessions = v.GetInt(k) }},
	{"server.host", func(v *viper.Viper, c *Config, k string) { c.Server.Host = v.GetString(k) }},
	{"server.port", func(v *viper.Viper, c *Config, k string) { c.Server.Port = v.GetInt(k) }},
	{"events.nats_url", func(v *viper.Viper, c *Config, k string) { c.Events.NATSURL = v.GetString(k) }},
	{"logging.level", func(v *viper.Viper, c *Config, k string) { c.Logging.Level = v.GetString(k) }},
	{"logging.file", func(v *viper.Viper, c *Config, k string) { c.Logging.File = v.GetString(k) }},
	{"telemetry.endpoint", func(v *viper.Viper, c *Config, k string) { c.Telemetry.Endpoint = v.GetString(k) }},
}

// ApplyOverrides applies flag and SAGE_* environment overrides bound to v.
func ApplyOverrides(v *viper.Viper, c *Config) {
	if v == nil {
		return
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply(v, c, o.key)
		}
	}
}

// Keys lists the configuration keys ApplyOverrides understands.
func Keys() []string {
	keys := make([]string, 0, len(overrides))
	for _, o := range overrides {
		keys = append(keys, o.key)
	}
	return keys
}
