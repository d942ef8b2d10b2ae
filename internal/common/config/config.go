// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	UiBus     UiBusConfig     `mapstructure:"uiBus"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the two listener configurations: the HTTP API
// (tasks, workers, enrollment) and the mTLS worker stream.
type ServerConfig struct {
	HTTPBindAddr   string `mapstructure:"httpBindAddr"`
	WorkerBindAddr string `mapstructure:"workerBindAddr"`
	ReadTimeout    int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int    `mapstructure:"writeTimeout"` // in seconds
}

// IdentityConfig holds the CA material and enrollment policy used by the
// worker mTLS bootstrap flow.
type IdentityConfig struct {
	CACertPath           string `mapstructure:"caCertPath"`
	CAKeyPath            string `mapstructure:"caKeyPath"`
	BootstrapTokenTTLMin int    `mapstructure:"bootstrapTokenTtlMinutes"`
	WorkerCertValidDays  int    `mapstructure:"workerCertValidDays"`
}

// HeartbeatConfig controls how aggressively the control plane expects
// Workers to check in, and when it gives up on a silent one.
type HeartbeatConfig struct {
	IntervalSec int `mapstructure:"intervalSeconds"`
	TimeoutSec  int `mapstructure:"timeoutSeconds"`
}

// UiBusConfig controls the optional NATS bridge for the process-wide UI
// notification stream. The in-memory UiBus is always used; a non-empty
// NATSURL additionally republishes its notifications to NATS.
type UiBusConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
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

// BootstrapTokenTTL returns the bootstrap token validity as a time.Duration.
func (i *IdentityConfig) BootstrapTokenTTL() time.Duration {
	return time.Duration(i.BootstrapTokenTTLMin) * time.Minute
}

// HeartbeatInterval returns the expected heartbeat cadence.
func (h *HeartbeatConfig) HeartbeatInterval() time.Duration {
	return time.Duration(h.IntervalSec) * time.Second
}

// HeartbeatTimeout returns the configured silence threshold for Workers.
// No component of the control plane acts on it: a silent Worker stays
// registered until its stream closes.
func (h *HeartbeatConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(h.TimeoutSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
// Bind addr and validity defaults mirror the reference control plane's
// config.rs (bind_addr/http_bind_addr, bootstrap token and worker cert
// validity windows).
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.httpBindAddr", "[::1]:50052")
	v.SetDefault("server.workerBindAddr", "[::1]:50051")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("identity.caCertPath", "./ca.pem")
	v.SetDefault("identity.caKeyPath", "./ca-key.pem")
	v.SetDefault("identity.bootstrapTokenTtlMinutes", 60)
	v.SetDefault("identity.workerCertValidDays", 7)

	v.SetDefault("heartbeat.intervalSeconds", 15)
	v.SetDefault("heartbeat.timeoutSeconds", 45)

	// Empty URL means no NATS bridge; only the in-memory UiBus.
	v.SetDefault("uiBus.natsUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKRUN_ followed by the upper-cased
// key path with dots replaced by underscores (e.g. TASKRUN_SERVER_HTTPBINDADDR);
// TASKRUN_LOG_LEVEL, TASKRUN_CA_CERT_PATH and TASKRUN_CA_KEY_PATH are also bound.
// Config file should be named config.yaml and placed in the current directory or /etc/taskrun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TASKRUN_LOG_LEVEL")
	_ = v.BindEnv("identity.caCertPath", "TASKRUN_CA_CERT_PATH")
	_ = v.BindEnv("identity.caKeyPath", "TASKRUN_CA_KEY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskrun/")

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

	if cfg.Identity.BootstrapTokenTTLMin <= 0 {
		errs = append(errs, "identity.bootstrapTokenTtlMinutes must be positive")
	}
	if cfg.Identity.WorkerCertValidDays <= 0 {
		errs = append(errs, "identity.workerCertValidDays must be positive")
	}

	if cfg.Heartbeat.IntervalSec <= 0 {
		errs = append(errs, "heartbeat.intervalSeconds must be positive")
	}
	if cfg.Heartbeat.TimeoutSec <= cfg.Heartbeat.IntervalSec {
		errs = append(errs, "heartbeat.timeoutSeconds must exceed heartbeat.intervalSeconds")
	}

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
