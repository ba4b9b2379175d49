package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Server      ServerConfig     `mapstructure:"server"`
	Gateway     GatewayConfig    `mapstructure:"gateway"`
	Escrow      EscrowConfig     `mapstructure:"escrow"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
	Security    SecurityConfig   `mapstructure:"security"`
	Reaper      ReaperConfig     `mapstructure:"reaper"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GatewayConfig holds proxy behavior settings
type GatewayConfig struct {
	// Mode selects how calls reach the upstream: "direct" forwards from
	// this process, "keeper" dispatches through a selected keeper node.
	Mode            string        `mapstructure:"mode"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// EscrowConfig holds gas fee estimation parameters
type EscrowConfig struct {
	GasPerCall   int64   `mapstructure:"gas_per_call"`
	GasPrice     float64 `mapstructure:"gas_price"`
	BufferFactor float64 `mapstructure:"buffer_factor"`
}

// SettlementConfig holds the async usage logging worker settings
type SettlementConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// SecurityConfig holds admin auth related configuration
type SecurityConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	CredentialKey string        `mapstructure:"credential_key"`
}

// ReaperConfig holds the background maintenance schedule
type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("KM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Server defaults
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Gateway defaults
	v.SetDefault("gateway.mode", "direct")
	v.SetDefault("gateway.upstream_timeout", "30s")
	v.SetDefault("gateway.max_body_bytes", 10*1024*1024)

	// Escrow defaults
	v.SetDefault("escrow.gas_per_call", 50000)
	v.SetDefault("escrow.gas_price", 0.000000001)
	v.SetDefault("escrow.buffer_factor", 1.2)

	// Settlement defaults
	v.SetDefault("settlement.queue_size", 1024)
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.retry_attempts", 3)
	v.SetDefault("settlement.retry_delay", "2s")

	// Security defaults
	v.SetDefault("security.token_expiry", "24h")

	// Reaper defaults
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", "1m")

	// Database defaults
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateGateway(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	if err := c.validateEscrow(); err != nil {
		return fmt.Errorf("escrow config: %w", err)
	}
	if err := c.validateSettlement(); err != nil {
		return fmt.Errorf("settlement config: %w", err)
	}
	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}
	if err := c.validateReaper(); err != nil {
		return fmt.Errorf("reaper config: %w", err)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateGateway() error {
	switch c.Gateway.Mode {
	case "direct", "keeper":
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}
	if c.Gateway.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	return nil
}

func (c *Config) validateEscrow() error {
	if c.Escrow.GasPerCall <= 0 {
		return fmt.Errorf("gas_per_call must be positive")
	}
	if c.Escrow.GasPrice <= 0 {
		return fmt.Errorf("gas_price must be positive")
	}
	if c.Escrow.BufferFactor < 1 {
		return fmt.Errorf("buffer_factor must be at least 1")
	}
	return nil
}

func (c *Config) validateSettlement() error {
	if c.Settlement.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Settlement.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Settlement.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("jwt_secret cannot be empty")
	}
	if c.Security.TokenExpiry <= 0 {
		return fmt.Errorf("token_expiry must be positive")
	}
	return nil
}

func (c *Config) validateReaper() error {
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
