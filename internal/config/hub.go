package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LOGPULSE_SERVER_LISTEN_ADDRESS
const EnvPrefix = "LOGPULSE"

// HTTPServerConfig holds HTTP server settings
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	PublicURL       string        `mapstructure:"public_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ServerTLSConfig holds optional TLS settings for the hub listener
type ServerTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CACert     string `mapstructure:"ca_cert"`
	ServerCert string `mapstructure:"server_cert"`
	ServerKey  string `mapstructure:"server_key"`
}

// RateLimitConfig holds per-instance ingestion rate limiting settings
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// AIEndpointConfig is one OpenAI-compatible chat completion endpoint
type AIEndpointConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// AIConfig holds classifier settings. Endpoints are tried in order.
// SuggestEndpoints may be empty to reuse Endpoints for suggestions and chat.
type AIConfig struct {
	APIKey           string             `mapstructure:"api_key"`
	Endpoints        []AIEndpointConfig `mapstructure:"endpoints"`
	SuggestEndpoints []AIEndpointConfig `mapstructure:"suggest_endpoints"`
	Timeout          time.Duration      `mapstructure:"timeout"`
	BreakerThreshold int                `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration      `mapstructure:"breaker_cooldown"`
}

// PipelineConfig holds ingestion pipeline settings
type PipelineConfig struct {
	MaxInFlight int64 `mapstructure:"max_in_flight"`
	ContextSize int   `mapstructure:"context_size"`
}

// AutoFixConfig holds fix orchestrator settings
type AutoFixConfig struct {
	FixTimeout    time.Duration `mapstructure:"fix_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WebsocketConfig holds per-connection websocket settings
type WebsocketConfig struct {
	SendQueue       int           `mapstructure:"send_queue"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
}

// MongoDBConfig holds MongoDB connection settings for the archive
type MongoDBConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	CollectionPrefix   string        `mapstructure:"collection_prefix"`
	CertificateKeyFile string        `mapstructure:"certificate_key_file"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxPoolSize        int           `mapstructure:"max_pool_size"`
	TTLDays            int           `mapstructure:"ttl_days"`
}

// ArchiveConfig holds write-behind archive settings. The archive is off
// when MongoDB.URI is empty.
type ArchiveConfig struct {
	MongoDB       MongoDBConfig `mapstructure:"mongodb"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// Enabled reports whether an archive backend is configured
func (c ArchiveConfig) Enabled() bool {
	return c.MongoDB.URI != ""
}

// HubConfig represents the complete hub configuration
type HubConfig struct {
	Server       HTTPServerConfig `mapstructure:"server"`
	TLS          ServerTLSConfig  `mapstructure:"tls"`
	RateLimiting RateLimitConfig  `mapstructure:"rate_limiting"`
	AI           AIConfig         `mapstructure:"ai"`
	Pipeline     PipelineConfig   `mapstructure:"pipeline"`
	AutoFix      AutoFixConfig    `mapstructure:"autofix"`
	Websocket    WebsocketConfig  `mapstructure:"websocket"`
	Archive      ArchiveConfig    `mapstructure:"archive"`
	LogLevel     string           `mapstructure:"log_level"`
	LogFormat    string           `mapstructure:"log_format"`
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		return v, nil
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return v, nil
}

// LoadHubConfig loads the hub configuration from a file. An empty path
// uses defaults and environment overrides only.
func LoadHubConfig(configPath string) (*HubConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8000")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("tls.enabled", false)
	v.SetDefault("rate_limiting.enabled", false)
	v.SetDefault("rate_limiting.requests_per_minute", 600)
	v.SetDefault("rate_limiting.burst", 50)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.timeout", "20s")
	v.SetDefault("ai.breaker_threshold", 3)
	v.SetDefault("ai.breaker_cooldown", "30s")
	v.SetDefault("pipeline.max_in_flight", 32)
	v.SetDefault("pipeline.context_size", 10)
	v.SetDefault("autofix.fix_timeout", "10m")
	v.SetDefault("autofix.sweep_interval", "30s")
	v.SetDefault("websocket.send_queue", 256)
	v.SetDefault("websocket.max_message_bytes", 64*1024)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.ping_interval", "50s")
	v.SetDefault("archive.mongodb.uri", "")
	v.SetDefault("archive.mongodb.database", "logpulse")
	v.SetDefault("archive.mongodb.collection_prefix", "logpulse_")
	v.SetDefault("archive.mongodb.timeout", "10s")
	v.SetDefault("archive.mongodb.max_pool_size", 100)
	v.SetDefault("archive.mongodb.ttl_days", 30)
	v.SetDefault("archive.batch_size", 100)
	v.SetDefault("archive.flush_interval", "5s")
	v.SetDefault("archive.queue_size", 10000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	var config HubConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.AI.Endpoints) == 0 && config.AI.APIKey != "" {
		config.AI.Endpoints = []AIEndpointConfig{DefaultAIEndpoint}
	}
	for i := range config.AI.Endpoints {
		if config.AI.Endpoints[i].APIKey == "" {
			config.AI.Endpoints[i].APIKey = config.AI.APIKey
		}
	}
	for i := range config.AI.SuggestEndpoints {
		if config.AI.SuggestEndpoints[i].APIKey == "" {
			config.AI.SuggestEndpoints[i].APIKey = config.AI.APIKey
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultAIEndpoint is used when only ai.api_key is configured
var DefaultAIEndpoint = AIEndpointConfig{
	BaseURL: "https://api.groq.com/openai/v1",
	Model:   "llama-3.1-8b-instant",
}

// Validate checks the fields that have no usable default
func (c *HubConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return errors.New("server.listen_address is required")
	}
	if c.TLS.Enabled && (c.TLS.ServerCert == "" || c.TLS.ServerKey == "") {
		return errors.New("tls.server_cert and tls.server_key are required when TLS is enabled")
	}
	if c.RateLimiting.Enabled && c.RateLimiting.RequestsPerMinute <= 0 {
		return errors.New("rate_limiting.requests_per_minute must be positive when rate limiting is enabled")
	}
	for i, ep := range append(append([]AIEndpointConfig(nil), c.AI.Endpoints...), c.AI.SuggestEndpoints...) {
		if ep.BaseURL == "" || ep.Model == "" {
			return fmt.Errorf("ai endpoint %d requires base_url and model", i+1)
		}
	}
	if c.Websocket.SendQueue <= 0 {
		return errors.New("websocket.send_queue must be positive")
	}
	if c.Archive.Enabled() && c.Archive.MongoDB.Database == "" {
		return errors.New("archive.mongodb.database is required when the archive is enabled")
	}
	if c.Archive.Enabled() && (c.Archive.BatchSize <= 0 || c.Archive.FlushInterval <= 0) {
		return errors.New("archive.batch_size and archive.flush_interval must be positive when the archive is enabled")
	}
	return nil
}
