package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8787
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 60 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 1 << 20 // 1MB

	// Dispatch defaults.
	DefaultQueueCapacity = 1000
	DefaultBatchSize     = 50
	DefaultWarnThreshold = 100
	DefaultDropThreshold = 500

	// State defaults.
	DefaultHistorySize  = 50
	DefaultWaitTimeout  = 30 * time.Second
	DefaultRealtimeHook = "state:transition"

	// Realtime defaults.
	DefaultClientBuffer   = 256
	DefaultMaxConnections = 1000
	DefaultPingInterval   = 30 * time.Second

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	DefaultMetricsPath = "/metrics"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				MaxAge:         12 * time.Hour,
			},
		},
		Dispatch: DispatchConfig{
			QueueCapacity: DefaultQueueCapacity,
			BatchSize:     DefaultBatchSize,
			WarnThreshold: DefaultWarnThreshold,
			DropThreshold: DefaultDropThreshold,
		},
		State: StateConfig{
			Enabled:        true,
			HistorySize:    DefaultHistorySize,
			DefaultTimeout: DefaultWaitTimeout,
		},
		Realtime: RealtimeConfig{
			Enabled:        true,
			Hooks:          []string{DefaultRealtimeHook},
			ClientBuffer:   DefaultClientBuffer,
			MaxConnections: DefaultMaxConnections,
			PingInterval:   DefaultPingInterval,
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Caller:    false,
			Timestamp: true,
		},
	}
}
