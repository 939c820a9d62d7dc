package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the relay.
type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	ConfigFile string `mapstructure:"config" json:"config"`

	HTTP      HTTPConfig      `mapstructure:"http" json:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket"`
	Database  DatabaseConfig  `mapstructure:"database" json:"database"`
	Auth      AuthConfig      `mapstructure:"auth" json:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" json:"ratelimit"`
	Presence  PresenceConfig  `mapstructure:"presence" json:"presence"`
	Redis     RedisConfig     `mapstructure:"redis" json:"redis"`
	Push      PushConfig      `mapstructure:"push" json:"push"`
	Message   MessageConfig   `mapstructure:"message" json:"message"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size" json:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size" json:"max_message_size"`
	// An empty list accepts every origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

type DatabaseConfig struct {
	Path    string        `mapstructure:"path" json:"path"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// AuthConfig configures token verification. Without a JWT secret the
// verifier reports not ready and every connection is refused.
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret" json:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer" json:"issuer"`
	Audience       string        `mapstructure:"audience" json:"audience"`
	CheckRevoked   bool          `mapstructure:"check_revoked" json:"check_revoked"`
	StaleAfter     time.Duration `mapstructure:"stale_after" json:"stale_after"`
	MinTokenLength int           `mapstructure:"min_token_length" json:"min_token_length"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window" json:"window"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
}

const (
	PresenceDriverMemory = "memory"
	PresenceDriverRedis  = "redis"
)

type PresenceConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

type PushConfig struct {
	Enabled   bool          `mapstructure:"enabled" json:"enabled"`
	Endpoint  string        `mapstructure:"endpoint" json:"endpoint"`
	ServerKey string        `mapstructure:"server_key" json:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
	Workers   int           `mapstructure:"workers" json:"workers"`
	QueueSize int           `mapstructure:"queue_size" json:"queue_size"`
}

// MessageConfig bounds message content and the per-user send rate. A zero
// RateLimit disables the send throttle.
type MessageConfig struct {
	MaxContentLength int           `mapstructure:"max_content_length" json:"max_content_length"`
	RateWindow       time.Duration `mapstructure:"rate_window" json:"rate_window"`
	RateLimit        int           `mapstructure:"rate_limit" json:"rate_limit"`
}

// DefaultConfig returns the configuration used for any key left unset.
func DefaultConfig() *Config {
	return &Config{
		Level: "info",
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
			AllowedOrigins: []string{},
		},
		Database: DatabaseConfig{
			Path:    "./relay.db",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			CheckRevoked:   true,
			StaleAfter:     time.Hour,
			MinTokenLength: 10,
		},
		RateLimit: RateLimitConfig{
			Window:      60 * time.Second,
			MaxAttempts: 5,
		},
		Presence: PresenceConfig{
			Driver: PresenceDriverMemory,
		},
		Redis: RedisConfig{
			Prefix: "relay",
		},
		Push: PushConfig{
			Timeout:   10 * time.Second,
			Workers:   8,
			QueueSize: 1024,
		},
		Message: MessageConfig{
			MaxContentLength: 4000,
			RateWindow:       time.Minute,
			RateLimit:        100,
		},
	}
}

// Validate rejects configurations the relay cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	if c.Auth.StaleAfter <= 0 {
		return errors.New("auth stale_after must be positive")
	}
	if c.Auth.MinTokenLength <= 0 {
		return errors.New("auth min_token_length must be positive")
	}

	if c.RateLimit.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	if c.RateLimit.MaxAttempts <= 0 {
		return errors.New("rate limit max_attempts must be positive")
	}

	switch c.Presence.Driver {
	case PresenceDriverMemory:
	case PresenceDriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis addr is required for the redis presence driver")
		}
	default:
		return fmt.Errorf("unknown presence driver %q", c.Presence.Driver)
	}

	if c.Push.Enabled {
		if c.Push.Endpoint == "" || c.Push.ServerKey == "" {
			return errors.New("push endpoint and server_key are required when push is enabled")
		}
		if c.Push.Timeout <= 0 || c.Push.Workers <= 0 || c.Push.QueueSize <= 0 {
			return errors.New("push timeout, workers and queue_size must be positive")
		}
	}

	if c.Message.MaxContentLength <= 0 {
		return errors.New("message max_content_length must be positive")
	}
	if c.Message.RateLimit < 0 || (c.Message.RateLimit > 0 && c.Message.RateWindow <= 0) {
		return errors.New("message rate_window must be positive when rate_limit is set")
	}

	return nil
}

// Load builds the configuration from defaults, an optional config file,
// RELAY_* environment variables and the given command line arguments.
func Load(args []string) (*Config, error) {
	initLogging("info")

	v := viper.New()
	setDefaults(v, reflect.ValueOf(*DefaultConfig()))

	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flags.String("config", "", "Config file location")
	flags.String("level", "", "Log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	initLogging(c.Level)

	return c, nil
}

// setDefaults registers every mapstructure key of cfg so that environment
// variables are honoured by Unmarshal even for keys absent from the file.
func setDefaults(v *viper.Viper, cfg reflect.Value, parts ...string) {
	t := cfg.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag, ok := field.Tag.Lookup("mapstructure")
		if !ok {
			continue
		}

		value := cfg.Field(i)
		key := append(append([]string{}, parts...), tag)

		if value.Kind() == reflect.Struct {
			setDefaults(v, value, key...)
			continue
		}

		v.SetDefault(strings.Join(key, "."), value.Interface())
	}
}
