// Package info prints host and serial port information useful when wiring
// up a board.
package info

import (
	"fmt"
	"io"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/brainwire/boardkit/internal/transport"
)

// Command creates the info command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show host details and available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printInfo(cmd.OutOrStdout(), transport.ListSerialPorts)
		},
	}
}

func printInfo(w io.Writer, listPorts func() ([]string, error)) error {
	fmt.Fprintf(w, "go:        %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if h, err := host.Info(); err == nil {
		fmt.Fprintf(w, "host:      %s (%s %s, kernel %s)\n", h.Hostname, h.Platform, h.PlatformVersion, h.KernelVersion)
		fmt.Fprintf(w, "uptime:    %ds\n", h.Uptime)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "memory:    %d MiB total, %.1f%% used\n", vm.Total>>20, vm.UsedPercent)
	}

	ports, err := listPorts()
	if err != nil {
		fmt.Fprintf(w, "serial:    unavailable (%v)\n", err)
		return nil
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "serial:    none")
		return nil
	}
	fmt.Fprintln(w, "serial:")
	for _, p := range ports {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}
