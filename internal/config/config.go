package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"device-hub/internal/resilience"
	"device-hub/internal/types"

	"github.com/spf13/viper"
)

// Config represents the hub configuration
type Config struct {
	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Monitoring loop interval in seconds
	MonitorInterval int `mapstructure:"monitor_interval"`

	// Cache store configuration
	Redis RedisConfig `mapstructure:"redis"`

	// Resilience defaults applied to every device breaker
	Breaker BreakerConfig `mapstructure:"breaker"`
	Retry   RetryConfig   `mapstructure:"retry"`

	// API server configuration
	API APIConfig `mapstructure:"api"`

	// Devices declared statically; registered at startup
	Devices []DeviceConfig `mapstructure:"devices"`
}

// RedisConfig holds cache store connection settings.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BreakerConfig holds default circuit breaker settings (seconds).
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	Timeout          int `mapstructure:"timeout"`
	ResetTimeout     int `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls"`
}

// RetryConfig holds default retry settings (milliseconds).
type RetryConfig struct {
	MaxRetries      int     `mapstructure:"max_retries"`
	BaseDelayMs     int     `mapstructure:"base_delay_ms"`
	MaxDelayMs      int     `mapstructure:"max_delay_ms"`
	ExponentialBase float64 `mapstructure:"exponential_base"`
	JitterMaxMs     int     `mapstructure:"jitter_max_ms"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DeviceConfig declares one device in the configuration file.
type DeviceConfig struct {
	ID       string            `mapstructure:"id"`
	Name     string            `mapstructure:"name"`
	Type     string            `mapstructure:"type"`
	Address  string            `mapstructure:"address"`
	Port     int               `mapstructure:"port"`
	Protocol string            `mapstructure:"protocol"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Metadata map[string]string `mapstructure:"metadata"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		LogFile:         "",
		MonitorInterval: 30,
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "hub",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          10,
			ResetTimeout:     30,
			HalfOpenMaxCalls: 2,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			BaseDelayMs:     1000,
			MaxDelayMs:      30000,
			ExponentialBase: 2.0,
			JitterMaxMs:     500,
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
		},
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/device-hub")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".device-hub"))
		}
	}

	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults apply.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("monitor_interval", cfg.MonitorInterval)
	v.SetDefault("redis.enabled", cfg.Redis.Enabled)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.pool_size", cfg.Redis.PoolSize)
	v.SetDefault("redis.key_prefix", cfg.Redis.KeyPrefix)
	v.SetDefault("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", cfg.Breaker.SuccessThreshold)
	v.SetDefault("breaker.timeout", cfg.Breaker.Timeout)
	v.SetDefault("breaker.reset_timeout", cfg.Breaker.ResetTimeout)
	v.SetDefault("breaker.half_open_max_calls", cfg.Breaker.HalfOpenMaxCalls)
	v.SetDefault("retry.max_retries", cfg.Retry.MaxRetries)
	v.SetDefault("retry.base_delay_ms", cfg.Retry.BaseDelayMs)
	v.SetDefault("retry.max_delay_ms", cfg.Retry.MaxDelayMs)
	v.SetDefault("retry.exponential_base", cfg.Retry.ExponentialBase)
	v.SetDefault("retry.jitter_max_ms", cfg.Retry.JitterMaxMs)
	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.read_timeout", cfg.API.ReadTimeout)
	v.SetDefault("api.write_timeout", cfg.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", cfg.API.IdleTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive")
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker.half_open_max_calls must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.ExponentialBase <= 1 {
		return fmt.Errorf("retry.exponential_base must be greater than 1")
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port number")
	}

	for i, d := range c.Devices {
		if err := d.ToDevice().Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}

	return nil
}

// BreakerSettings converts the breaker section to resilience settings.
func (c *Config) BreakerSettings() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          time.Duration(c.Breaker.Timeout) * time.Second,
		ResetTimeout:     time.Duration(c.Breaker.ResetTimeout) * time.Second,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// RetrySettings converts the retry section to resilience settings.
func (c *Config) RetrySettings() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:      c.Retry.MaxRetries,
		BaseDelay:       time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		ExponentialBase: c.Retry.ExponentialBase,
		JitterMax:       time.Duration(c.Retry.JitterMaxMs) * time.Millisecond,
	}
}

// ToDevice converts a configured device declaration into a registry device.
func (d DeviceConfig) ToDevice() types.Device {
	device := types.Device{
		ID:       d.ID,
		Name:     d.Name,
		Type:     types.DeviceType(d.Type),
		Address:  d.Address,
		Port:     d.Port,
		Protocol: d.Protocol,
		Status:   types.StatusUnknown,
		Metadata: d.Metadata,
	}
	if d.Username != "" || d.Password != "" {
		device.Credentials = &types.Credentials{
			Username: d.Username,
			Password: d.Password,
		}
	}
	return device
}
