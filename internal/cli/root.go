package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/watzon/fixiplug/internal/config"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fixiplug",
	Short: "A plugin host for hook-driven applications",
	Long: `Fixiplug hosts plugins that communicate through named hooks:

  - Priority-ordered hook dispatch with per-handler failure isolation
  - A bounded deferred event bus with loop protection
  - A state coordinator with schema-validated transitions and waiters
  - HTTP, JSON-RPC and WebSocket access to hooks and state
  - Cron schedules that emit hooks

Start the server:
  fixiplug serve

Validate a state schema:
  fixiplug schema validate states.yaml`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(loggingConfig())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fixiplug.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("fixiplug")
	}

	viper.SetEnvPrefix("FIXIPLUG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			log.Debug().Str("file", viper.ConfigFileUsed()).Msg("Using config file")
		}
	}
}

// loggingConfig reads the logging section without validating the rest of
// the config, so a broken file still gets readable log output.
func loggingConfig() config.LoggingConfig {
	cfg := config.Default().Logging
	if level := viper.GetString("logging.level"); level != "" {
		cfg.Level = level
	}
	if format := viper.GetString("logging.format"); format != "" {
		cfg.Format = format
	}
	if viper.IsSet("logging.caller") {
		cfg.Caller = viper.GetBool("logging.caller")
	}
	if viper.IsSet("logging.timestamp") {
		cfg.Timestamp = viper.GetBool("logging.timestamp")
	}
	return cfg
}

// setupLogging configures the global zerolog logger. --verbose forces debug.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	lc := logger.With()
	if cfg.Timestamp {
		lc = lc.Timestamp()
	}
	if cfg.Caller {
		lc = lc.Caller()
	}
	log.Logger = lc.Logger()
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("fixiplug version %s", version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
