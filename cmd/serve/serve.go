// Package serve runs the HTTP control API.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brainwire/boardkit/internal/boardcontroller"
	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/httpapi"
	"github.com/brainwire/boardkit/internal/logger"
	"github.com/brainwire/boardkit/internal/observability"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the board control API over HTTP",
		Long:  "Expose session control, data retrieval and board descriptors as a JSON API, with Prometheus metrics on /metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Server.Listen, "listen", viper.GetString("server.listen"), "Listen address of the control API")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Collect Prometheus metrics and serve them on /metrics")

	if err := viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("metrics.enabled", cmd.Flags().Lookup("metrics")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func run(cmd *cobra.Command, settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Global().Module("serve")

	cfg, err := boardcontroller.ConfigFromSettings(settings)
	if err != nil {
		return err
	}

	opts := httpapi.Options{
		Logger:     logger.Global().Module("httpapi"),
		BufferSize: settings.Acquisition.BufferSize,
	}
	if settings.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return err
		}
		cfg.Recorder = m.Acquisition
		opts.Metrics = m.Handler()
	}

	c, err := boardcontroller.New(cfg)
	if err != nil {
		return err
	}
	opts.Controller = c

	server, err := httpapi.New(opts)
	if err != nil {
		return err
	}

	runErr := server.Run(ctx, settings.Server.Listen)

	log.Info("releasing sessions")
	if err := c.ReleaseAllSessions(context.Background()); err != nil {
		log.Warn("release failed", logger.Error(err))
	}
	return runErr
}
