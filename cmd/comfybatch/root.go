package main

import (
	"github.com/spf13/cobra"

	"github.com/richinsley/comfybatch/config"
)

// options holds the command line overrides; zero values mean "not given"
type options struct {
	configPath  string
	server      string
	workflow    string
	input       string
	output      string
	timeout     int
	logLevel    string
	noProgress  bool
	noPreflight bool
}

func newRootCommand() *cobra.Command {
	return newRootCommandWithOptions(&options{})
}

func newRootCommandWithOptions(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "comfybatch",
		Short: "Run every image subfolder through a ComfyUI workflow",
		Long: `comfybatch uploads the first image of each subfolder of the input directory
to a ComfyUI server, runs the workflow with that image in its "Load Image" node
and saves the images of its "Save Image" node as <subfolder>_<filename>.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runBatch(cmd, cfg, !opts.noProgress)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file path (TOML)")
	flags.StringVar(&opts.server, "server", "", "ComfyUI server URL")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.Flags().StringVarP(&opts.workflow, "workflow", "w", "", "Workflow template in API format (.json, or a ComfyUI .png)")
	rootCmd.Flags().StringVarP(&opts.input, "input", "i", "", "Directory containing one subfolder per image")
	rootCmd.Flags().StringVarP(&opts.output, "output", "o", "", "Directory the results are written to")
	rootCmd.Flags().IntVar(&opts.timeout, "timeout", 0, "Seconds to wait for each item (0 waits forever)")
	rootCmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Do not draw node progress bars")
	rootCmd.Flags().BoolVar(&opts.noPreflight, "no-preflight", false, "Skip the server check before the batch starts")

	rootCmd.AddCommand(newStatsCommand(opts))
	return rootCmd
}

// loadConfig reads the config file and applies the flags the user set
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("server") {
		cfg.Server.URL = opts.server
	}
	if changed("workflow") {
		cfg.Paths.Workflow = opts.workflow
	}
	if changed("input") {
		cfg.Paths.Input = opts.input
	}
	if changed("output") {
		cfg.Paths.Output = opts.output
	}
	if changed("timeout") {
		cfg.Server.TimeoutSeconds = opts.timeout
	}
	if changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if changed("no-preflight") {
		cfg.Server.Preflight = !opts.noPreflight
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
