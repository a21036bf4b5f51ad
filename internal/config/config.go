package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"parley/internal/websocket"
	dbconfig "parley/pkg/database"
)

// EnvPrefix is prepended to every environment override, e.g. PARLEY_HTTP_PORT.
const EnvPrefix = "PARLEY"

// ConfigFileEnv names the variable pointing at an optional YAML or JSON file.
const ConfigFileEnv = "PARLEY_CONFIG_FILE"

// Config is the full server configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	WebSocket   WebSocketConfig `mapstructure:"websocket"`
	Chat        ChatConfig      `mapstructure:"chat"`
	Activity    ActivityConfig  `mapstructure:"activity"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

type HTTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// WebSocketConfig covers per-connection transport settings and the size of
// the hub's outbound queue.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	HubQueueSize   int           `mapstructure:"hub_queue_size"`
}

type ChatConfig struct {
	// HistoryLimit caps how many messages the HTTP history endpoint returns.
	HistoryLimit       int           `mapstructure:"history_limit"`
	DefaultHistory     int           `mapstructure:"default_history"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type ActivityConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Path           string `mapstructure:"path"`
	QueueSize      int    `mapstructure:"queue_size"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the settings used when neither a file nor the
// environment says otherwise.
func DefaultConfig() *Config {
	db := dbconfig.DefaultConfig()
	ws := websocket.DefaultOptions()
	return &Config{
		Environment: "development",
		HTTP: HTTPConfig{
			Host:           "0.0.0.0",
			Port:           3001,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: WebSocketConfig{
			PingInterval:   ws.PingInterval,
			ReadTimeout:    ws.ReadTimeout,
			WriteTimeout:   ws.WriteTimeout,
			BufferSize:     ws.BufferSize,
			MaxMessageSize: ws.MaxMessageSize,
			HubQueueSize:   1024,
		},
		Chat: ChatConfig{
			HistoryLimit:       100,
			DefaultHistory:     50,
			RateLimitPerMinute: 100,
			SweepInterval:      time.Minute,
		},
		Activity: ActivityConfig{
			Enabled:        true,
			Path:           db.DSN,
			QueueSize:      db.QueueSize,
			MaxConnections: db.MaxConnections,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		return errors.New("at least one allowed origin is required")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("websocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("websocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("websocket max message size must be positive")
	}
	if c.WebSocket.HubQueueSize <= 0 {
		return errors.New("hub queue size must be positive")
	}

	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat history limit must be positive")
	}
	if c.Chat.DefaultHistory <= 0 || c.Chat.DefaultHistory > c.Chat.HistoryLimit {
		return fmt.Errorf("chat default history must be between 1 and %d", c.Chat.HistoryLimit)
	}
	if c.Chat.RateLimitPerMinute < 0 {
		return errors.New("chat rate limit cannot be negative")
	}
	if c.Chat.SweepInterval <= 0 {
		return errors.New("chat sweep interval must be positive")
	}

	if c.Activity.Enabled {
		if err := c.ActivityDatabase().Validate(); err != nil {
			return fmt.Errorf("activity: %w", err)
		}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// LogLevel returns the configured level, falling back to info.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) WebSocketOptions() websocket.Options {
	return websocket.Options{
		PingInterval:   c.WebSocket.PingInterval,
		ReadTimeout:    c.WebSocket.ReadTimeout,
		WriteTimeout:   c.WebSocket.WriteTimeout,
		BufferSize:     c.WebSocket.BufferSize,
		MaxMessageSize: c.WebSocket.MaxMessageSize,
		AllowedOrigins: c.HTTP.AllowedOrigins,
	}
}

func (c *Config) ActivityDatabase() *dbconfig.Config {
	db := dbconfig.DefaultConfig()
	db.DSN = c.Activity.Path
	db.QueueSize = c.Activity.QueueSize
	db.MaxConnections = c.Activity.MaxConnections
	return db
}

// Load builds the configuration. A config file wins over PARLEY_* variables,
// which win over defaults. An empty path falls back to PARLEY_CONFIG_FILE.
// A .env file in the working directory is read first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		file := viper.New()
		file.SetConfigFile(path)
		if err := file.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// Set has the highest precedence in viper, which puts the file
		// above the environment.
		for _, key := range file.AllKeys() {
			v.Set(key, file.Get(key))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("environment", d.Environment)

	// HTTP
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	// WebSocket
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.hub_queue_size", d.WebSocket.HubQueueSize)

	// Chat
	v.SetDefault("chat.history_limit", d.Chat.HistoryLimit)
	v.SetDefault("chat.default_history", d.Chat.DefaultHistory)
	v.SetDefault("chat.rate_limit_per_minute", d.Chat.RateLimitPerMinute)
	v.SetDefault("chat.sweep_interval", d.Chat.SweepInterval)

	// Activity
	v.SetDefault("activity.enabled", d.Activity.Enabled)
	v.SetDefault("activity.path", d.Activity.Path)
	v.SetDefault("activity.queue_size", d.Activity.QueueSize)
	v.SetDefault("activity.max_connections", d.Activity.MaxConnections)

	// Logging
	v.SetDefault("logging.level", d.Logging.Level)
}
