package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleetcore-io/fleetcore/internal/safety"
)

// Config is the full server configuration. Every field has a default;
// a config file and FLEET_-prefixed environment variables override it.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Plugins    PluginsConfig    `mapstructure:"plugins"`
	Hotplug    HotplugConfig    `mapstructure:"hotplug"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConfig struct {
	JWTSecret string           `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration    `mapstructure:"token_ttl"`
	Users     []UserConfig     `mapstructure:"users"`
	APITokens []APITokenConfig `mapstructure:"api_tokens"`
}

// UserConfig declares one operator account. The password is stored as an
// argon2id hash, never in the clear.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// APITokenConfig declares one static machine token by its SHA-256 digest.
type APITokenConfig struct {
	Name        string `mapstructure:"name"`
	TokenSHA256 string `mapstructure:"token_sha256"`
	Role        string `mapstructure:"role"`
}

// JWTSecretValue resolves the signing secret: the config value wins,
// otherwise the FLEET_AUTH_JWT_SECRET environment variable.
func (a AuthConfig) JWTSecretValue() string {
	if a.JWTSecret != "" {
		return a.JWTSecret
	}
	return os.Getenv("FLEET_AUTH_JWT_SECRET")
}

// SafetyConfig carries the rate-limiter quota plus the parameter limits,
// which decode inline from the same section.
type SafetyConfig struct {
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`

	safety.Limits `mapstructure:",squash"`
}

// ControllerConfig converts the section into the safety controller's
// configuration.
func (s SafetyConfig) ControllerConfig() safety.Config {
	return safety.Config{
		RatePerSecond: s.RateLimitPerSecond,
		Burst:         s.RateLimitBurst,
		Limits:        s.Limits,
	}
}

type ConnectionConfig struct {
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
}

type PluginsConfig struct {
	Directory string `mapstructure:"directory"`
	Watch     bool   `mapstructure:"watch"`
}

type HotplugConfig struct {
	AutoConnect bool `mapstructure:"auto_connect"`
	QueueSize   int  `mapstructure:"queue_size"`
}

// JournalConfig points at the optional Postgres event journal.
type JournalConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
}

func (j JournalConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		j.User, j.Password, j.Host, j.Port, j.Database, j.SSLMode, j.MaxConns)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the configuration. An empty path skips the file and uses
// defaults plus environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("safety.rate_limit_per_second", 100)
	v.SetDefault("safety.rate_limit_burst", 100)
	v.SetDefault("safety.max_duty_cycle", 100)
	v.SetDefault("safety.max_frequency_hz", 20_000_000)
	v.SetDefault("safety.max_current_a", 5)
	v.SetDefault("safety.max_temperature_c", 85)
	v.SetDefault("safety.min_command_interval", "0s")
	v.SetDefault("safety.max_consecutive_errors", 10)
	v.SetDefault("safety.auto_recovery", false)

	v.SetDefault("connection.base_delay", "1s")
	v.SetDefault("connection.max_reconnect_attempts", 5)
	v.SetDefault("connection.auto_reconnect", true)

	v.SetDefault("plugins.directory", "./plugins")
	v.SetDefault("plugins.watch", true)

	v.SetDefault("hotplug.auto_connect", true)
	v.SetDefault("hotplug.queue_size", 64)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.ssl_mode", "disable")
	v.SetDefault("journal.max_conns", 4)

	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	if c.Auth.JWTSecretValue() == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set FLEET_AUTH_JWT_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL)
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" || u.Role == "" {
			return fmt.Errorf("auth.users[%d] needs username, password_hash and role", i)
		}
	}
	for i, tok := range c.Auth.APITokens {
		if tok.Name == "" || tok.TokenSHA256 == "" || tok.Role == "" {
			return fmt.Errorf("auth.api_tokens[%d] needs name, token_sha256 and role", i)
		}
	}

	if err := c.Safety.Limits.Validate(); err != nil {
		return fmt.Errorf("safety: %w", err)
	}
	if c.Safety.RateLimitPerSecond <= 0 {
		return fmt.Errorf("safety.rate_limit_per_second must be positive, got %.3f", c.Safety.RateLimitPerSecond)
	}

	if c.Connection.BaseDelay <= 0 {
		return fmt.Errorf("connection.base_delay must be positive, got %s", c.Connection.BaseDelay)
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return fmt.Errorf("connection.max_reconnect_attempts must be at least 1, got %d", c.Connection.MaxReconnectAttempts)
	}

	if c.Plugins.Directory == "" {
		return fmt.Errorf("plugins.directory must not be empty")
	}
	if c.Hotplug.QueueSize < 1 {
		return fmt.Errorf("hotplug.queue_size must be at least 1, got %d", c.Hotplug.QueueSize)
	}

	if c.Journal.Enabled {
		if c.Journal.Host == "" || c.Journal.Database == "" || c.Journal.User == "" {
			return fmt.Errorf("journal needs host, database and user when enabled")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}
