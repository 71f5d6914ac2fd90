// Package config provides configuration management for Middleman.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Middleman.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Swarm   SwarmConfig   `mapstructure:"swarm"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the listener configuration for the combined
// WebSocket + HTTP endpoint.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// PortFallbackTries is how many consecutive ports above Port are probed
	// when the configured port is taken. Zero disables the fallback walk.
	PortFallbackTries int `mapstructure:"portFallbackTries"`
	ReadTimeout       int `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout      int `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SwarmConfig holds agent supervision configuration.
type SwarmConfig struct {
	// RuntimeCommand is the agent runtime binary launched per agent.
	// Arguments may be appended after the binary, shell-words style.
	RuntimeCommand string `mapstructure:"runtimeCommand"`

	// DataDir is the swarm state directory (auth, sessions, integrations, env).
	// Default: ~/.middleman
	DataDir string `mapstructure:"dataDir"`

	// HistoryCapacity is the per-agent conversation ring size.
	HistoryCapacity int `mapstructure:"historyCapacity"`

	// SubscriberQueueSize bounds each subscriber's outbound event queue.
	SubscriberQueueSize int `mapstructure:"subscriberQueueSize"`

	// GracefulStopSeconds is how long a graceful stop waits before the
	// subprocess is killed.
	GracefulStopSeconds int `mapstructure:"gracefulStopSeconds"`

	// SteerCancelSeconds caps the wait for a cancellation barrier before the
	// session is respawned.
	SteerCancelSeconds int `mapstructure:"steerCancelSeconds"`

	// RPCTimeoutSeconds bounds every control-plane request.
	RPCTimeoutSeconds int `mapstructure:"rpcTimeoutSeconds"`

	// TelegramPollSeconds is the long-poll timeout for the Telegram bridge.
	TelegramPollSeconds int `mapstructure:"telegramPollSeconds"`
}

// GatewayConfig holds WebSocket gateway tuning.
type GatewayConfig struct {
	// ReconnectBackoffMillis is advertised to clients in the ready payload as
	// the starting reconnect delay.
	ReconnectBackoffMillis int `mapstructure:"reconnectBackoffMillis"`

	// PickerCommand is an external command that opens a directory picker and
	// prints the chosen path. Empty means pick_directory always cancels.
	PickerCommand string `mapstructure:"pickerCommand"`

	// LegacyErrorCorrelation re-enables the old client behavior of
	// attributing error frames that carry no requestId to the oldest pending
	// request whose command matches the error code. Off, errors without a
	// requestId are delivered uncorrelated.
	LegacyErrorCorrelation bool `mapstructure:"legacyErrorCorrelation"`
}

// APIConfig holds REST sidecar configuration.
type APIConfig struct {
	// STTProxyURL is the speech-to-text service the transcribe endpoint
	// forwards audio to. Empty disables transcription.
	STTProxyURL string `mapstructure:"sttProxyUrl"`

	// STTAPIKey is sent as a bearer token to the STT service.
	STTAPIKey string `mapstructure:"sttApiKey"`

	// STTTimeoutSeconds bounds one transcription request.
	STTTimeoutSeconds int `mapstructure:"sttTimeoutSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GracefulStopTimeout returns the graceful stop window as a time.Duration.
func (s *SwarmConfig) GracefulStopTimeout() time.Duration {
	return time.Duration(s.GracefulStopSeconds) * time.Second
}

// SteerCancelTimeout returns the cancellation-barrier cap as a time.Duration.
func (s *SwarmConfig) SteerCancelTimeout() time.Duration {
	return time.Duration(s.SteerCancelSeconds) * time.Second
}

// RPCTimeout returns the control-plane request timeout as a time.Duration.
func (s *SwarmConfig) RPCTimeout() time.Duration {
	return time.Duration(s.RPCTimeoutSeconds) * time.Second
}

// STTTimeout returns the transcription request timeout as a time.Duration.
func (a *APIConfig) STTTimeout() time.Duration {
	return time.Duration(a.STTTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for daemonized/production runs, "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("MIDDLEMAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// defaultDataDir resolves ~/.middleman, falling back to a relative directory
// when the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".middleman"
	}
	return filepath.Join(home, ".middleman")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.portFallbackTries", 10)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "middleman")
	v.SetDefault("nats.maxReconnects", 10)

	// Swarm defaults
	v.SetDefault("swarm.runtimeCommand", "middleman-agent")
	v.SetDefault("swarm.dataDir", defaultDataDir())
	v.SetDefault("swarm.historyCapacity", 2000)
	v.SetDefault("swarm.subscriberQueueSize", 1000)
	v.SetDefault("swarm.gracefulStopSeconds", 5)
	v.SetDefault("swarm.steerCancelSeconds", 15)
	v.SetDefault("swarm.rpcTimeoutSeconds", 300)
	v.SetDefault("swarm.telegramPollSeconds", 25)

	// Gateway defaults
	v.SetDefault("gateway.reconnectBackoffMillis", 1200)
	v.SetDefault("gateway.pickerCommand", "")
	v.SetDefault("gateway.legacyErrorCorrelation", false)

	// API defaults - empty STT URL disables the transcribe endpoint
	v.SetDefault("api.sttProxyUrl", "")
	v.SetDefault("api.sttApiKey", "")
	v.SetDefault("api.sttTimeoutSeconds", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MIDDLEMAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the data directory, or /etc/middleman/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MIDDLEMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("swarm.runtimeCommand", "MIDDLEMAN_SWARM_RUNTIME_COMMAND")
	_ = v.BindEnv("swarm.dataDir", "MIDDLEMAN_SWARM_DATA_DIR")
	_ = v.BindEnv("server.portFallbackTries", "MIDDLEMAN_SERVER_PORT_FALLBACK_TRIES")
	_ = v.BindEnv("api.sttProxyUrl", "MIDDLEMAN_API_STT_PROXY_URL")
	_ = v.BindEnv("api.sttApiKey", "MIDDLEMAN_API_STT_API_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())
	v.AddConfigPath("/etc/middleman/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.PortFallbackTries < 0 {
		errs = append(errs, "server.portFallbackTries must not be negative")
	}

	if cfg.Swarm.RuntimeCommand == "" {
		errs = append(errs, "swarm.runtimeCommand is required")
	}
	if cfg.Swarm.HistoryCapacity < 2000 {
		errs = append(errs, "swarm.historyCapacity must be at least 2000")
	}
	if cfg.Swarm.SubscriberQueueSize <= 0 {
		errs = append(errs, "swarm.subscriberQueueSize must be positive")
	}
	if cfg.Swarm.GracefulStopSeconds <= 0 {
		errs = append(errs, "swarm.gracefulStopSeconds must be positive")
	}
	if cfg.Swarm.SteerCancelSeconds <= 0 {
		errs = append(errs, "swarm.steerCancelSeconds must be positive")
	}
	if cfg.Swarm.RPCTimeoutSeconds <= 0 {
		errs = append(errs, "swarm.rpcTimeoutSeconds must be positive")
	}
	if cfg.Swarm.TelegramPollSeconds <= 0 {
		errs = append(errs, "swarm.telegramPollSeconds must be positive")
	}

	if cfg.API.STTTimeoutSeconds <= 0 {
		errs = append(errs, "api.sttTimeoutSeconds must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
