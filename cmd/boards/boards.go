// Package boards lists supported boards and prints their descriptors.
package boards

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brainwire/boardkit/internal/boardcontroller"
	"github.com/brainwire/boardkit/internal/boards"
	"github.com/brainwire/boardkit/internal/conf"
)

// Command creates the boards command with its list and describe subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boards",
		Short: "Inspect the board catalog",
	}

	var preset int
	describe := &cobra.Command{
		Use:   "describe <board-id>",
		Short: "Print the descriptor of a board preset as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("board id %q is not an integer", args[0])
			}
			c, err := controller(settings)
			if err != nil {
				return err
			}
			return describeBoard(cmd.OutOrStdout(), c, id, preset)
		},
	}
	describe.Flags().IntVar(&preset, "preset", 0, "Preset (0 default, 1 auxiliary, 2 ancillary)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List boards with a driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controller(settings)
			if err != nil {
				return err
			}
			return listBoards(cmd.OutOrStdout(), c)
		},
	}

	cmd.AddCommand(list, describe)
	return cmd
}

func controller(settings *conf.Settings) (*boardcontroller.Controller, error) {
	cfg, err := boardcontroller.ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}
	return boardcontroller.New(cfg)
}

func listBoards(w io.Writer, c *boardcontroller.Controller) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRESETS\tRATE\tROWS")
	for _, id := range boards.IDs() {
		presets, err := c.GetBoardPresets(id)
		if err != nil {
			// playback and streaming boards borrow a master board's layout
			fmt.Fprintf(tw, "%d\t%s\t-\t-\t-\n", id, boardName(id))
			continue
		}
		rate, _ := c.GetSamplingRate(id, 0)
		rows, _ := c.GetNumRows(id, 0)
		fmt.Fprintf(tw, "%d\t%s\t%v\t%d\t%d\n", id, boardName(id), presets, rate, rows)
	}
	return tw.Flush()
}

func boardName(id int) string {
	switch id {
	case boards.PlaybackFileBoard:
		return "playback_file"
	case boards.StreamingBoard:
		return "streaming"
	case boards.SyntheticBoard:
		return "synthetic"
	case boards.CytonBoard:
		return "cyton"
	case boards.GanglionBoard:
		return "ganglion"
	case boards.CytonDaisyBoard:
		return "cyton_daisy"
	case boards.GaleaBoard:
		return "galea"
	default:
		return "unknown"
	}
}

func describeBoard(w io.Writer, c *boardcontroller.Controller, id, preset int) error {
	descr, err := c.GetBoardDescr(id, preset)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(descr), "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}
