package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateDispatch(&cfg.Dispatch)...)
	errs = append(errs, validateState(&cfg.State)...)
	errs = append(errs, validateRealtime(&cfg.Realtime)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxBodySize < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_size",
			Message: "must be non-negative",
		})
	}

	if cfg.CORS.Enabled && cfg.CORS.AllowCredentials && slices.Contains(cfg.CORS.AllowedOrigins, "*") {
		errs = append(errs, ValidationError{
			Field:   "server.cors",
			Message: "security: allow_credentials=true with allowed_origins=[\"*\"] is insecure",
		})
	}

	return errs
}

func validateDispatch(cfg *DispatchConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.QueueCapacity < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.queue_capacity",
			Message: "must be at least 1",
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.batch_size",
			Message: "must be at least 1",
		})
	}

	if cfg.WarnThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.warn_threshold",
			Message: "must be at least 1",
		})
	}

	if cfg.DropThreshold < cfg.WarnThreshold {
		errs = append(errs, ValidationError{
			Field:   "dispatch.drop_threshold",
			Message: "must not be lower than dispatch.warn_threshold",
		})
	}

	return errs
}

func validateState(cfg *StateConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.HistorySize < 1 {
		errs = append(errs, ValidationError{
			Field:   "state.history_size",
			Message: "must be at least 1",
		})
	}

	if cfg.DefaultTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "state.default_timeout",
			Message: "must be positive",
		})
	}

	if cfg.WatchSchema && cfg.SchemaFile == "" {
		errs = append(errs, ValidationError{
			Field:   "state.watch_schema",
			Message: "requires state.schema_file",
		})
	}

	if cfg.SchemaFile != "" && !cfg.Enabled {
		errs = append(errs, ValidationError{
			Field:   "state.schema_file",
			Message: "set but state coordinator is disabled",
		})
	}

	return errs
}

func validateRealtime(cfg *RealtimeConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if len(cfg.Hooks) == 0 {
		errs = append(errs, ValidationError{
			Field:   "realtime.hooks",
			Message: "at least one hook is required when realtime is enabled",
		})
	}

	if cfg.ClientBuffer < 1 {
		errs = append(errs, ValidationError{
			Field:   "realtime.client_buffer",
			Message: "must be at least 1",
		})
	}

	if cfg.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "realtime.max_connections",
			Message: "must be at least 1",
		})
	}

	if cfg.PingInterval > 0 && cfg.PingInterval < time.Second {
		errs = append(errs, ValidationError{
			Field:   "realtime.ping_interval",
			Message: "must be at least 1s",
		})
	}

	return errs
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateScheduler(cfg *SchedulerConfig) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		field := fmt.Sprintf("scheduler.schedules[%d]", i)

		if s.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "is required"})
		} else if seen[s.Name] {
			errs = append(errs, ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate schedule %q", s.Name)})
		}
		seen[s.Name] = true

		if s.Hook == "" {
			errs = append(errs, ValidationError{Field: field + ".hook", Message: "is required"})
		}

		if _, err := cronParser.Parse(s.Cron); err != nil {
			errs = append(errs, ValidationError{Field: field + ".cron", Message: err.Error()})
		}

		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, ValidationError{Field: field + ".timezone", Message: err.Error()})
		}
	}

	return errs
}

func validateMetrics(cfg *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Enabled && !strings.HasPrefix(cfg.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "must start with /",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error, fatal, panic",
		})
	}

	if cfg.Format != "console" && cfg.Format != "json" {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: console, json",
		})
	}

	return errs
}
