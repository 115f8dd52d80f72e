package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Sandbox   SandboxConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string `envconfig:"PORT" default:"8000"`
	Host         string `envconfig:"HOST" default:"0.0.0.0"`
	MaxBodyBytes int64  `envconfig:"MAX_BODY_BYTES" default:"1048576"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// SandboxConfig holds limits of the code execution pipeline.
type SandboxConfig struct {
	ExecTimeout     time.Duration `envconfig:"SANDBOX_EXEC_TIMEOUT" default:"2s"`
	ReadyTimeout    time.Duration `envconfig:"SANDBOX_READY_TIMEOUT" default:"10s"`
	ResponseTimeout time.Duration `envconfig:"SANDBOX_RESPONSE_TIMEOUT" default:"15s"`
	MaxCallStack    int           `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	MaxConsole      int           `envconfig:"SANDBOX_MAX_CONSOLE" default:"200"`
	PoolSize        int           `envconfig:"SANDBOX_POOL_SIZE" default:"4"`
	ResultVariable  string        `envconfig:"SANDBOX_RESULT_VAR" default:"chartConfig"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks values envconfig cannot check by itself.
func (c *Config) Validate() error {
	s := c.Sandbox
	switch {
	case s.ExecTimeout <= 0:
		return errors.New("SANDBOX_EXEC_TIMEOUT must be positive")
	case s.ResponseTimeout <= s.ExecTimeout:
		return errors.New("SANDBOX_RESPONSE_TIMEOUT must exceed SANDBOX_EXEC_TIMEOUT")
	case s.ReadyTimeout <= 0:
		return errors.New("SANDBOX_READY_TIMEOUT must be positive")
	case s.PoolSize <= 0:
		return errors.New("SANDBOX_POOL_SIZE must be positive")
	case !identifier.MatchString(s.ResultVariable):
		return fmt.Errorf("SANDBOX_RESULT_VAR %q is not an identifier", s.ResultVariable)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8000",
			Host:         "0.0.0.0",
			MaxBodyBytes: 1 << 20,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
		Sandbox: SandboxConfig{
			ExecTimeout:     2 * time.Second,
			ReadyTimeout:    10 * time.Second,
			ResponseTimeout: 15 * time.Second,
			MaxCallStack:    1024,
			MaxConsole:      200,
			PoolSize:        4,
			ResultVariable:  "chartConfig",
		},
	}
}
