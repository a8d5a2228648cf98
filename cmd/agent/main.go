// Command agent runs on a device: it keeps a session with the control
// server and carries out the commands it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kallberg/pdt/internal/config"
	"github.com/kallberg/pdt/internal/version"
)

const programName = "pdt-agent"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		flags   config.Client
	)

	root := &cobra.Command{
		Use:           programName,
		Short:         "Device agent for the personal device fleet",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadClient(os.Getenv)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			applyFlags(cmd, &cfg, flags)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&envFile, "env-file", "", "dotenv file to load (default .env if present)")
	f.StringVar(&flags.ServerAddr, "server", config.DefaultListenAddr, "control server address")
	f.StringVar(&flags.DeviceName, "name", "", "device name (defaults to hostname)")
	f.IntVar(&flags.MaxRetries, "max-retries", config.DefaultMaxRetries, "reconnection attempts before giving up")
	f.StringVar(&flags.MetricsAddr, "metrics", "", "metrics listener address (empty disables)")
	f.StringVar(&flags.LogLevel, "log-level", "info", "log level")
	f.StringVar(&flags.LogFormat, "log-format", "auto", "log format: auto, json or console")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Describe(programName))
		},
	})
	return root
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Client, flags config.Client) {
	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.ServerAddr = flags.ServerAddr
	}
	if changed("name") {
		cfg.DeviceName = flags.DeviceName
	}
	if changed("max-retries") {
		cfg.MaxRetries = flags.MaxRetries
	}
	if changed("metrics") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.LogFormat
	}
}
