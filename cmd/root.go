package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brainwire/boardkit/cmd/boards"
	"github.com/brainwire/boardkit/cmd/config"
	"github.com/brainwire/boardkit/cmd/info"
	"github.com/brainwire/boardkit/cmd/serve"
	"github.com/brainwire/boardkit/cmd/stream"
	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, version string) *cobra.Command {
	var flush func()

	rootCmd := &cobra.Command{
		Use:           "boardkit",
		Short:         "Biosignal board acquisition toolkit",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		panic(err)
	}

	configCmd := config.Command(settings)
	rootCmd.AddCommand(
		stream.Command(settings),
		serve.Command(settings),
		boards.Command(settings),
		info.Command(),
		configCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// config init must work even when logging is misconfigured
		if cmd.Parent() == configCmd || cmd == configCmd {
			return nil
		}
		return initialize(settings, version, &flush)
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if flush != nil {
			flush()
		}
		_ = logger.Global().Close()
	}

	return rootCmd
}

// initialize installs the central logger and error telemetry.
func initialize(settings *conf.Settings, version string, flush *func()) error {
	if err := conf.ValidateSettings(settings); err != nil {
		return err
	}
	central, err := logger.NewCentralLogger(settings.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	f, err := telemetry.Init(settings, version, central.Module("telemetry"))
	if err != nil {
		return err
	}
	*flush = f
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Logging.Level, "log-level", viper.GetString("logging.level"), "Log level (trace, debug, info, warn, error, off)")
	rootCmd.PersistentFlags().StringVar(&settings.Catalog.File, "catalog", viper.GetString("catalog.file"), "Path to a fallback board descriptor JSON file")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
