// Command server runs the control server that devices connect to, plus
// an optional admin API for operators.
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

const programName = "pdt-server"

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
		flags   config.Server
	)

	root := &cobra.Command{
		Use:           programName,
		Short:         "Control server for the personal device fleet",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadServer(os.Getenv)
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
	f.StringVar(&flags.ListenAddr, "listen", config.DefaultListenAddr, "device listener address")
	f.StringVar(&flags.AdminAddr, "admin", config.DefaultAdminAddr, `admin API address ("off" disables)`)
	f.StringVar(&flags.DBPath, "db", "", "session journal database path (empty disables)")
	f.IntVar(&flags.OutboxSize, "outbox-size", config.DefaultOutboxSize, "per-session outbound queue capacity")
	f.IntVar(&flags.EventQueueSize, "event-queue-size", config.DefaultEventQueueSize, "inbound event queue capacity")
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
func applyFlags(cmd *cobra.Command, cfg *config.Server, flags config.Server) {
	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.ListenAddr = flags.ListenAddr
	}
	if changed("admin") {
		cfg.AdminAddr = config.AdminAddr(flags.AdminAddr)
	}
	if changed("db") {
		cfg.DBPath = flags.DBPath
	}
	if changed("outbox-size") {
		cfg.OutboxSize = flags.OutboxSize
	}
	if changed("event-queue-size") {
		cfg.EventQueueSize = flags.EventQueueSize
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.LogFormat
	}
}
