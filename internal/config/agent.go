package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// LogFileConfig represents a single log file to tail
type LogFileConfig struct {
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// HubConnectionConfig holds the agent's websocket connection settings
type HubConnectionConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// ReconnectConfig controls the backoff between connection attempts
type ReconnectConfig struct {
	InitialWait time.Duration `mapstructure:"initial_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

// FixExecConfig controls how run_fix commands are executed
type FixExecConfig struct {
	// Allow is the local gate; when false every run_fix is answered with fix_skipped
	Allow       bool          `mapstructure:"allow"`
	Shell       string        `mapstructure:"shell"`
	Timeout     time.Duration `mapstructure:"timeout"`
	OutputLimit int           `mapstructure:"output_limit"`
}

// MTLSConfig holds client TLS configuration
type MTLSConfig struct {
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	ServerName string `mapstructure:"server_name"`
}

// AgentConfig represents the complete agent configuration
type AgentConfig struct {
	InstanceID string              `mapstructure:"instance_id"`
	Hub        HubConnectionConfig `mapstructure:"hub"`
	LogFiles   []LogFileConfig     `mapstructure:"log_files"`
	QueueSize  int                 `mapstructure:"queue_size"`
	Reconnect  ReconnectConfig     `mapstructure:"reconnect"`
	Fix        FixExecConfig       `mapstructure:"fix"`
	MTLS       MTLSConfig          `mapstructure:"mtls"`
	LogLevel   string              `mapstructure:"log_level"`
	LogFormat  string              `mapstructure:"log_format"`
}

// LoadAgentConfig loads the agent configuration from a file
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("instance_id", "")
	v.SetDefault("hub.url", "ws://localhost:8000/ws")
	v.SetDefault("hub.handshake_timeout", "10s")
	v.SetDefault("hub.write_wait", "10s")
	v.SetDefault("hub.ping_interval", "30s")
	v.SetDefault("queue_size", 1000)
	v.SetDefault("reconnect.initial_wait", "1s")
	v.SetDefault("reconnect.max_wait", "30s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("fix.allow", true)
	v.SetDefault("fix.shell", "/bin/sh")
	v.SetDefault("fix.timeout", "5m")
	v.SetDefault("fix.output_limit", 64*1024)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the fields that have no usable default
func (c *AgentConfig) Validate() error {
	if c.InstanceID == "" {
		return errors.New("instance_id is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("invalid hub.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use ws or wss, got %q", u.Scheme)
	}
	if c.QueueSize <= 0 {
		return errors.New("queue_size must be positive")
	}
	if c.Fix.Timeout <= 0 {
		return errors.New("fix.timeout must be positive")
	}
	return nil
}

// EnabledLogFiles returns the paths of the log files that should be tailed
func (c *AgentConfig) EnabledLogFiles() []string {
	var paths []string
	for _, f := range c.LogFiles {
		if f.Enabled && f.Path != "" {
			paths = append(paths, f.Path)
		}
	}
	return paths
}
