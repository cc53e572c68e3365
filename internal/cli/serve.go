package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/fixiplug/internal/config"
	"github.com/watzon/fixiplug/internal/events"
	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/introspect"
	"github.com/watzon/fixiplug/internal/metrics"
	"github.com/watzon/fixiplug/internal/realtime"
	"github.com/watzon/fixiplug/internal/scheduler"
	"github.com/watzon/fixiplug/internal/server"
	"github.com/watzon/fixiplug/internal/state"
)

var (
	servePort       int
	serveHost       string
	serveSchemaPath string
	serveNoWatch    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plugin host",
	Long: `Start the Fixiplug server.

The server will:
  - Install the state coordinator, introspection, realtime and scheduler plugins
  - Register the state schema file, if configured
  - Serve hooks over HTTP, JSON-RPC and WebSocket
  - Watch the schema file for changes

Use --no-watch to disable schema watching.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "Host to bind to")
	serveCmd.Flags().StringVar(&serveSchemaPath, "schema", "", "Path to a state schema file")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable schema file watching")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig loads --config, or the default search path when it is unset.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromFile(cfgFile)
	}
	return config.LoadWithDefaults()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if serveSchemaPath != "" {
		cfg.State.SchemaFile = serveSchemaPath
		cfg.State.Enabled = true
	}
	if serveNoWatch {
		cfg.State.WatchSchema = false
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(cfg, rt.Engine,
		server.WithCoordinator(rt.Coordinator),
		server.WithBroker(rt.Broker),
		server.WithCatalog(rt.Catalog),
		server.WithVersion(version),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Shutdown signal received")
		case <-ctx.Done():
			return
		}
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if rt.Coordinator != nil && cfg.State.SchemaFile != "" && cfg.State.WatchSchema {
		watcher, watchErr := watchSchema(ctx, cfg.State.SchemaFile, rt.Coordinator)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("Failed to set up schema watcher, continuing without reload")
		} else {
			defer func() { _ = watcher.Stop() }()
			log.Info().Str("schema", cfg.State.SchemaFile).Msg("Schema watching enabled")
		}
	}

	logServerInfo(cfg, rt)

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}
	return nil
}

// runtime is the set of components installed on one engine.
type runtime struct {
	Engine      *hooks.Engine
	Coordinator *state.Coordinator
	Catalog     *introspect.Catalog
	Broker      *realtime.Broker
	Scheduler   *scheduler.Scheduler
}

// newRuntime builds the engine and installs every plugin enabled in cfg.
func newRuntime(cfg *config.Config) (*runtime, error) {
	observer := metrics.NewObserver()

	engine := hooks.New(
		hooks.WithLogger(log.Logger),
		hooks.WithObserver(observer),
		hooks.WithBusConfig(events.BusConfig{
			QueueCapacity: cfg.Dispatch.QueueCapacity,
			BatchSize:     cfg.Dispatch.BatchSize,
			WarnThreshold: cfg.Dispatch.WarnThreshold,
			DropThreshold: cfg.Dispatch.DropThreshold,
		}),
	)
	rt := &runtime{Engine: engine}

	fail := func(err error) (*runtime, error) {
		_ = engine.Close()
		return nil, err
	}

	catalog, err := introspect.NewCatalog(introspect.DefaultRules)
	if err != nil {
		return fail(err)
	}
	rt.Catalog = catalog
	if err := engine.Use(catalog.Plugin(engine)); err != nil {
		return fail(err)
	}

	if cfg.State.Enabled {
		rt.Coordinator = state.New(
			state.WithLogger(log.Logger),
			state.WithObserver(observer),
			state.WithHistorySize(cfg.State.HistorySize),
			state.WithDefaultTimeout(cfg.State.DefaultTimeout),
		)
		if err := engine.Use(rt.Coordinator.Plugin()); err != nil {
			return fail(err)
		}

		if cfg.State.SchemaFile != "" {
			if err := registerSchemaFile(rt.Coordinator, cfg.State.SchemaFile); err != nil {
				return fail(err)
			}
		}
	}

	if cfg.Realtime.Enabled {
		rt.Broker = realtime.NewBroker(&realtime.BrokerConfig{
			Hooks:          cfg.Realtime.Hooks,
			ClientBuffer:   cfg.Realtime.ClientBuffer,
			MaxConnections: cfg.Realtime.MaxConnections,
			PingInterval:   cfg.Realtime.PingInterval,
		})
		if err := engine.Use(rt.Broker.Plugin()); err != nil {
			return fail(err)
		}
	}

	if cfg.Scheduler.Enabled {
		schedules := make([]scheduler.Schedule, 0, len(cfg.Scheduler.Schedules))
		for _, sc := range cfg.Scheduler.Schedules {
			schedules = append(schedules, scheduler.Schedule{
				Name:     sc.Name,
				Cron:     sc.Cron,
				Hook:     sc.Hook,
				Event:    sc.Event,
				Timezone: sc.Timezone,
			})
		}
		sched, err := scheduler.NewScheduler(schedules, nil)
		if err != nil {
			return fail(err)
		}
		rt.Scheduler = sched
		if err := engine.Use(sched.Plugin()); err != nil {
			return fail(err)
		}
	}

	return rt, nil
}

// Close removes every plugin. Pending deferred events are delivered first
// when they drain quickly.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Engine.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("Deferred events not drained before shutdown")
	}
	if err := rt.Engine.Close(); err != nil && !errors.Is(err, hooks.ErrEngineClosed) {
		log.Warn().Err(err).Msg("Closing engine")
	}
}

func registerSchemaFile(c *state.Coordinator, path string) error {
	s, err := state.LoadSchemaFile(path)
	if err != nil {
		return err
	}
	res := c.RegisterSchema(s)
	if !res.Success {
		return fmt.Errorf("registering schema %s: %s", path, res.Error)
	}
	log.Info().
		Str("schema", path).
		Str("state", res.CurrentState).
		Msg("State schema loaded")
	return nil
}

func watchSchema(ctx context.Context, path string, c *state.Coordinator) (*SchemaWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := NewSchemaWatcher(absPath, func(changed string) {
		if err := registerSchemaFile(c, changed); err != nil {
			log.Error().Err(err).Str("schema", changed).Msg("Schema reload failed, keeping previous schema")
		}
	})
	if err != nil {
		return nil, err
	}

	watcher.Start(ctx)
	return watcher, nil
}

func logServerInfo(cfg *config.Config, rt *runtime) {
	base := "http://" + cfg.Server.Address()

	log.Info().
		Str("url", base).
		Int("plugins", len(rt.Engine.Plugins())).
		Msg("Server started")

	log.Info().
		Str("dispatch", base+"/api/dispatch/{hook}").
		Str("rpc", base+"/rpc").
		Msg("Hook endpoints")

	if rt.Broker != nil {
		log.Info().
			Str("ws", "ws://"+cfg.Server.Address()+"/api/realtime").
			Strs("hooks", cfg.Realtime.Hooks).
			Msg("Realtime WebSocket endpoint")
	}

	if rt.Scheduler != nil {
		log.Info().
			Int("schedules", len(cfg.Scheduler.Schedules)).
			Msg("Scheduler running")
	}

	if cfg.Metrics.Enabled {
		log.Info().
			Str("metrics", base+cfg.Metrics.Path).
			Msg("Prometheus metrics")
	}
}
