// Package cmd wires the faceid command line.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/faceid/cmd/history"
	"github.com/tphakala/faceid/cmd/person"
	"github.com/tphakala/faceid/cmd/recognize"
	"github.com/tphakala/faceid/cmd/serve"
	"github.com/tphakala/faceid/cmd/stats"
	"github.com/tphakala/faceid/cmd/status"
	"github.com/tphakala/faceid/cmd/train"
	"github.com/tphakala/faceid/cmd/version"
	"github.com/tphakala/faceid/internal/buildinfo"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/logger"
)

const telemetryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command. settings is filled in
// from the configuration before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "faceid",
		Short:         "Face identification with a trainable classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd); err != nil {
		panic(err)
	}

	versionCmd := version.Command()
	rootCmd.AddCommand(
		serve.Command(settings),
		train.Command(settings),
		recognize.Command(settings),
		status.Command(settings),
		history.Command(settings),
		stats.Command(settings),
		person.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(settings)
	}

	return rootCmd
}

// initialize loads the configuration and sets up logging and error
// reporting. It runs after flag parsing, so flags bound to viper take
// precedence over the config file.
func initialize(settings *conf.Settings) error {
	loaded, err := conf.Load()
	if err != nil {
		return err
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(errors.SentryConfig{
			DSN:         settings.Sentry.DSN,
			Environment: settings.Sentry.Environment,
			Release:     buildinfo.Current().Release(),
			SampleRate:  settings.Sentry.SampleRate,
		}); err != nil {
			logger.Global().Module("main").Warn("error reporting disabled", logger.Error(err))
		}
	}
	return nil
}

// Shutdown flushes pending error reports and log output.
func Shutdown() {
	errors.FlushTelemetry(telemetryFlushTimeout)
	_ = logger.Global().Flush()
	_ = logger.Global().Close()
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command) error {
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("model-dir", "", "Directory holding trained model versions")

	for key, flag := range map[string]string{
		"config":           "config",
		"debug":            "debug",
		"storage.modeldir": "model-dir",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
