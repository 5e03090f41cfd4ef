package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/camvisr"
)

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor daemon: load cameras from the store, start the
configured roles and serve the HTTP API and live media.

Every config key can be overridden from the environment as
CAMVISR_<SECTION>_<KEY>, e.g. CAMVISR_STORE_DSN.

Examples:
  camvisr serve config.toml
  camvisr serve --daemonize --pidfile=/run/camvisr.pid --logfile=/var/log/camvisr.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			serveFlags.ConfigPath = configPath
			return runServe(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func runServe(ctx context.Context, f ServeFlags) error {
	cfg, err := camvisr.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("daemonize is not supported on this platform")
		}
		if err := daemonize(f.PidFile, f.LogFile); err != nil {
			return err
		}
	} else if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	defer func() { _ = removePidFile(f.PidFile) }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := camvisr.New(ctx, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
