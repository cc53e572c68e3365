// Package config provides configuration management for fixiplug.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the root configuration structure for fixiplug.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	State     StateConfig     `mapstructure:"state"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	CORS CORSConfig `mapstructure:"cors"`

	// Request timeouts. Long waitForState calls need a write timeout at
	// least as long as the wait.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Allowed origins (use ["*"] for all)
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// AllowedMethods returns the methods the API answers to.
func (c *CORSConfig) AllowedMethods() []string {
	return []string{"GET", "POST", "DELETE", "OPTIONS"}
}

// AllowedHeaders returns the request headers clients may send.
func (c *CORSConfig) AllowedHeaders() []string {
	return []string{"Accept", "Content-Type", "X-Request-ID"}
}

// DispatchConfig holds deferred event bus limits.
type DispatchConfig struct {
	// Maximum number of queued deferred emissions
	QueueCapacity int `mapstructure:"queue_capacity"`

	// Emissions delivered per drain step before yielding
	BatchSize int `mapstructure:"batch_size"`

	// Per-hook emissions in one drain cycle before a loop warning
	WarnThreshold int `mapstructure:"warn_threshold"`

	// Per-hook emissions in one drain cycle after which emissions are dropped
	DropThreshold int `mapstructure:"drop_threshold"`
}

// StateConfig holds state coordinator settings.
type StateConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Number of transitions kept in history
	HistorySize int `mapstructure:"history_size"`

	// Timeout for waitForState calls that do not pass one
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// YAML schema registered at startup (optional)
	SchemaFile string `mapstructure:"schema_file"`

	// Re-register the schema when the file changes
	WatchSchema bool `mapstructure:"watch_schema"`
}

// RealtimeConfig holds websocket broker settings.
type RealtimeConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Hooks forwarded to subscribers
	Hooks []string `mapstructure:"hooks"`

	// Per-client send buffer; messages are dropped when full
	ClientBuffer int `mapstructure:"client_buffer"`

	MaxConnections int           `mapstructure:"max_connections"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// SchedulerConfig holds cron schedules.
type SchedulerConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig emits Hook with Event whenever Cron fires. Timezone is an
// IANA name; empty means UTC.
type ScheduleConfig struct {
	Name     string         `mapstructure:"name"`
	Cron     string         `mapstructure:"cron"`
	Hook     string         `mapstructure:"hook"`
	Event    map[string]any `mapstructure:"event"`
	Timezone string         `mapstructure:"timezone"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (trace, debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Output format (console, json)
	Format string `mapstructure:"format"`

	// Include caller information
	Caller bool `mapstructure:"caller"`

	// Include timestamps
	Timestamp bool `mapstructure:"timestamp"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
