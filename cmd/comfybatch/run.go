package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfybatch/batch"
	"github.com/richinsley/comfybatch/client"
	"github.com/richinsley/comfybatch/config"
)

const preflightTimeout = 15 * time.Second

func runBatch(cmd *cobra.Command, cfg *config.Config, progress bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	handlers := client.DefaultMessageHandlers()
	// progress bars only make sense on an interactive terminal
	if progress && isTerminal(cmd.ErrOrStderr()) {
		addProgressBar(handlers, cmd.ErrOrStderr())
	}

	c, err := client.NewComfyClient(cfg.Server.URL, handlers)
	if err != nil {
		return err
	}
	logger.Info("Using ComfyUI server", "url", c.ServerURL(), "client_id", c.ClientID())

	if cfg.Server.Preflight {
		if err := preflight(ctx, c, logger); err != nil {
			return err
		}
	}

	summary, err := batch.NewDriver(cfg, c, logger).Run(ctx)
	return finishRun(cmd.OutOrStdout(), summary, err)
}

// finishRun prints the item table and maps the outcome to the command's error.
// A run that stopped on a local error still reports the items it finished.
func finishRun(w io.Writer, summary *batch.Summary, err error) error {
	if summary != nil {
		if out := renderSummary(summary); out != "" {
			fmt.Fprintln(w, out)
		}
	}
	if err != nil {
		return err
	}
	if summary.Interrupted {
		return context.Canceled
	}
	return nil
}

// preflight fails fast when the server cannot be reached at all
func preflight(ctx context.Context, c *client.ComfyClient, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		return fmt.Errorf("reach ComfyUI at %s: %w", c.ServerURL(), err)
	}
	for _, dev := range stats.Devices {
		logger.Debug("Server device", "name", dev.Name, "type", dev.Type, "vram_free", dev.VRAM_Free)
	}
	return nil
}

// addProgressBar draws one bar per node that reports step progress
func addProgressBar(handlers *client.MessageHandlers, w io.Writer) {
	var bar *progressbar.ProgressBar
	var currentNodeTitle string

	finish := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}

	handlers.
		WithExecutingHandler(func(msg *client.PromptMessageExecuting) {
			finish()
			// store the node's title so we can use it in the progress bar
			currentNodeTitle = msg.Title
			slog.Debug("Executing node", "node_id", msg.NodeID, "title", msg.Title)
		}).
		WithProgressHandler(func(msg *client.PromptMessageProgress) {
			if bar == nil {
				bar = progressbar.NewOptions(msg.Max,
					progressbar.OptionSetWriter(w),
					progressbar.OptionSetDescription(currentNodeTitle),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			bar.Set(msg.Value)
		}).
		WithStoppedHandler(func(msg *client.PromptMessageStopped) {
			finish()
		})
}
