package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/otagon/otagon"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App        AppSettings      `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Server     ServerConfig     `mapstructure:"server"`
}

type AppSettings struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"` // zerolog level name
	LogJSON  bool   `mapstructure:"log_json"`  // console writer when false
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"` // "libsql" or "postgres"
	// Embedded-only configuration
	LibSQLDataDir   string        `mapstructure:"libsql_data_dir"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ProxyConfig is the client side of the LLM proxy.
type ProxyConfig struct {
	URL         string        `mapstructure:"url"`
	AuthToken   string        `mapstructure:"auth_token"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// HarnessConfig stores orchestrator configuration.
type HarnessConfig struct {
	// Memory cache
	CacheEnabled    bool `mapstructure:"cache_enabled"`
	CacheCapacity   int  `mapstructure:"cache_capacity"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`

	// Persistent cache TTLs per cache type
	PersistentCacheEnabled bool          `mapstructure:"persistent_cache_enabled"`
	GlobalTTL              time.Duration `mapstructure:"global_ttl"`
	GameSpecificTTL        time.Duration `mapstructure:"game_specific_ttl"`
	UserTTL                time.Duration `mapstructure:"user_ttl"`
	CacheWriteTimeout      time.Duration `mapstructure:"cache_write_timeout"`
	CacheWriteWorkers      int           `mapstructure:"cache_write_workers"`

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Knowledge injection
	KnowledgeEnabled   bool `mapstructure:"knowledge_enabled"`
	KnowledgeMaxTokens int  `mapstructure:"knowledge_max_tokens"`
	KnowledgeSnippets  int  `mapstructure:"knowledge_snippets"`

	// Safety and validation
	EnableGuardrails bool `mapstructure:"enable_guardrails"`
	MaxOutputSize    int  `mapstructure:"max_output_size"` // bytes, 0 disables

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`

	TokenEncoding string `mapstructure:"token_encoding"` // tiktoken encoding name
}

// SummarizerConfig controls conversation context summarization.
type SummarizerConfig struct {
	MaxWords               int     `mapstructure:"max_words"`
	RecentWindow           int     `mapstructure:"recent_window"`
	TriggerMultiplier      int     `mapstructure:"trigger_multiplier"`
	WarnRatio              float64 `mapstructure:"warn_ratio"`
	ContextSummaryMaxWords int     `mapstructure:"context_summary_max_words"`
	FallbackMessages       int     `mapstructure:"fallback_messages"`
	FallbackChars          int     `mapstructure:"fallback_chars"`
}

// ServerConfig is the proxy server side.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Provider        string        `mapstructure:"provider"` // "googleai" or "openai"
	APIKey          string        `mapstructure:"api_key"`
	DefaultModel    string        `mapstructure:"default_model"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateRefill      time.Duration `mapstructure:"rate_refill"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

var AppConfig Config

// DefaultSummarizerConfig returns the built-in summarizer settings.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		MaxWords:               300,
		RecentWindow:           8,
		TriggerMultiplier:      3,
		WarnRatio:              0.8,
		ContextSummaryMaxWords: 500,
		FallbackMessages:       5,
		FallbackChars:          100,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", internal.DefaultAppName)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_json", false)

	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.type", internal.DefaultDatabaseType)
	v.SetDefault("database.libsql_data_dir", internal.DefaultDatabaseDir)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("proxy.url", internal.DefaultProxyURL)
	v.SetDefault("proxy.auth_token", "")
	v.SetDefault("proxy.model", internal.DefaultModel)
	v.SetDefault("proxy.timeout", "60s")
	v.SetDefault("proxy.temperature", 0.7)
	v.SetDefault("proxy.max_tokens", 2048)

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.persistent_cache_enabled", true)
	v.SetDefault("harness.global_ttl", "168h")
	v.SetDefault("harness.game_specific_ttl", "24h")
	v.SetDefault("harness.user_ttl", "12h")
	v.SetDefault("harness.cache_write_timeout", "5s")
	v.SetDefault("harness.cache_write_workers", 8)
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.knowledge_enabled", true)
	v.SetDefault("harness.knowledge_max_tokens", 600)
	v.SetDefault("harness.knowledge_snippets", 5)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.max_output_size", 0)
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.token_encoding", "cl100k_base")

	s := DefaultSummarizerConfig()
	v.SetDefault("summarizer.max_words", s.MaxWords)
	v.SetDefault("summarizer.recent_window", s.RecentWindow)
	v.SetDefault("summarizer.trigger_multiplier", s.TriggerMultiplier)
	v.SetDefault("summarizer.warn_ratio", s.WarnRatio)
	v.SetDefault("summarizer.context_summary_max_words", s.ContextSummaryMaxWords)
	v.SetDefault("summarizer.fallback_messages", s.FallbackMessages)
	v.SetDefault("summarizer.fallback_chars", s.FallbackChars)

	v.SetDefault("server.addr", internal.DefaultServerAddr)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.provider", "googleai")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.default_model", internal.DefaultModel)
	v.SetDefault("server.rate_limit", 30)
	v.SetDefault("server.rate_refill", "2s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// LoadConfig reads configuration from file or environment variables.
// Every call starts from a fresh viper instance so repeated loads do not
// inherit a previous config file.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// proxy.auth_token becomes PROXY_AUTH_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no config file; defaults and env apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	AppConfig = cfg

	return &cfg, nil
}
