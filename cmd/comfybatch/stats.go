package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfybatch/client"
)

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the ComfyUI server's system and device information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			c, err := client.NewComfyClient(cfg.Server.URL, nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), preflightTimeout)
			defer cancel()
			stats, err := c.GetSystemStats(ctx)
			if err != nil {
				return fmt.Errorf("get system stats: %w", err)
			}
			displaySystemStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func displaySystemStats(w io.Writer, system_info *client.SystemStats) {
	fmt.Fprintln(w, "System Stats:")
	fmt.Fprintf(w, "\tOS: %s\n", system_info.System.OS)
	fmt.Fprintf(w, "\tPython Version: %s\n", system_info.System.PythonVersion)
	if system_info.System.ComfyUIVersion != "" {
		fmt.Fprintf(w, "\tComfyUI Version: %s\n", system_info.System.ComfyUIVersion)
	}
	fmt.Fprintln(w, "\tDevices:")
	for _, dev := range system_info.Devices {
		fmt.Fprintf(w, "\t\tIndex: %d\n", dev.Index)
		fmt.Fprintf(w, "\t\tName: %s\n", dev.Name)
		fmt.Fprintf(w, "\t\tType: %s\n", dev.Type)
		fmt.Fprintf(w, "\t\tVRAM Total %d\n", dev.VRAM_Total)
		fmt.Fprintf(w, "\t\tVRAM Free %d\n", dev.VRAM_Free)
		fmt.Fprintf(w, "\t\tTorch VRAM Total %d\n", dev.Torch_VRAM_Total)
		fmt.Fprintf(w, "\t\tTorch VRAM Free %d\n", dev.Torch_VRAM_Free)
	}
}
