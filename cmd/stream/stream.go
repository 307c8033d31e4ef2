// Package stream implements the stream subcommand: acquire from one board
// for a while and report what arrived.
package stream

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brainwire/boardkit/internal/boardcontroller"
	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/logger"
)

type options struct {
	boardID    int
	params     string
	duration   time.Duration
	streamer   string
	commands   []string
	reportTick time.Duration
}

// Command creates the stream command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream data from a board",
		Long:  "Prepare a board session, stream for the given duration (or until interrupted) and print a per-preset summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, opts)
		},
	}

	if err := setupFlags(cmd, settings, opts); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings, opts *options) error {
	cmd.Flags().IntVarP(&opts.boardID, "board", "b", -1, "Board id (-1 synthetic, 0 cyton, 1 ganglion, 2 cyton daisy, 3 galea, -2 streaming, -3 playback)")
	cmd.Flags().StringVarP(&opts.params, "params", "p", "{}", "Board input params as JSON")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "How long to stream; 0 streams until interrupted")
	cmd.Flags().StringVar(&opts.streamer, "streamer", "", "Streamer params for the default preset, e.g. file://out.csv:w")
	cmd.Flags().StringArrayVar(&opts.commands, "board-config", nil, "Config command sent to the board after prepare (repeatable)")
	cmd.Flags().DurationVar(&opts.reportTick, "report", 2*time.Second, "Interval between buffer fill reports")
	cmd.Flags().IntVar(&settings.Acquisition.BufferSize, "buffer", viper.GetInt("acquisition.buffersize"), "Samples per preset ring buffer")

	if err := viper.BindPFlag("acquisition.buffersize", cmd.Flags().Lookup("buffer")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func run(ctx context.Context, settings *conf.Settings, opts *options) error {
	log := logger.Global().Module("stream")

	cfg, err := boardcontroller.ConfigFromSettings(settings)
	if err != nil {
		return err
	}
	c, err := boardcontroller.New(cfg)
	if err != nil {
		return err
	}
	// releasing uses a fresh context so an interrupt still tears down cleanly
	defer func() {
		if err := c.ReleaseAllSessions(context.Background()); err != nil {
			log.Warn("release failed", logger.Error(err))
		}
	}()

	if err := c.PrepareSession(ctx, opts.boardID, opts.params); err != nil {
		return err
	}
	for _, command := range opts.commands {
		resp, err := c.ConfigBoard(ctx, command, opts.boardID, opts.params)
		if err != nil {
			return err
		}
		log.Info("board config", logger.String("command", command), logger.String("response", resp))
	}

	if err := c.StartStream(ctx, settings.Acquisition.BufferSize, opts.streamer, opts.boardID, opts.params); err != nil {
		return err
	}
	log.Info("streaming", logger.Int("board_id", opts.boardID), logger.Duration("duration", opts.duration))

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	waitAndReport(ctx, c, opts, log)

	if err := c.StopStream(context.Background(), opts.boardID, opts.params); err != nil {
		return err
	}
	return summarize(c, opts)
}

func waitAndReport(ctx context.Context, c *boardcontroller.Controller, opts *options, log logger.Logger) {
	if opts.reportTick <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(opts.reportTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.GetBoardDataCount(0, opts.boardID, opts.params)
			if err != nil {
				log.Warn("data count", logger.Error(err))
				continue
			}
			log.Info("buffered", logger.Int("samples", n))
		}
	}
}

// summarize drains every preset and prints sample counts and the last
// timestamp seen.
func summarize(c *boardcontroller.Controller, opts *options) error {
	presets, err := c.GetBoardPresets(opts.boardID)
	if err != nil {
		// streaming and playback boards take their layout from params
		presets = []int{0}
	}
	for _, preset := range presets {
		data, err := c.GetBoardData(0, preset, opts.boardID, opts.params)
		if err != nil {
			fmt.Printf("preset %d: %v\n", preset, err)
			continue
		}
		samples := 0
		if len(data) > 0 {
			samples = len(data[0])
		}
		fmt.Printf("preset %d: %d rows, %d samples", preset, len(data), samples)
		if ts, err := c.GetTimestampChannel(opts.boardID, preset); err == nil && samples > 0 && ts < len(data) {
			fmt.Printf(", last timestamp %.6f", data[ts][samples-1])
		}
		fmt.Println()
	}
	return nil
}
