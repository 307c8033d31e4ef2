// Package config implements configuration file helpers.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brainwire/boardkit/internal/conf"
)

// Command creates the config command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default config.yaml",
		Long:  "Write the built-in defaults to path, or to the user config directory when no path is given. Existing files are left untouched.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	saveCmd := &cobra.Command{
		Use:   "save <path>",
		Short: "Write the effective settings, flags and environment included, as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.SaveYAMLConfig(args[0], settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, saveCmd)
	return cmd
}

func defaultPath() string {
	paths := conf.GetDefaultConfigPaths()
	// the first entry is the working directory; prefer the user config dir
	dir := paths[0]
	if len(paths) > 1 {
		dir = paths[1]
	}
	return filepath.Join(dir, "config.yaml")
}
