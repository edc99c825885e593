package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrexodia/sidecar-manager/config"
	"github.com/mrexodia/sidecar-manager/probe"
)

var errPortInUse = errors.New("port in use")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "sidecar-manager",
		Short:         "Run the desktop shell with its local backend sidecar",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML configuration file")

	cmd.AddCommand(newProbeCmd(&configPath))
	return cmd
}

// newProbeCmd reports whether the sidecar port is free. It exits non-zero
// when the port is taken so it can be used from scripts.
func newProbeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [port]",
		Short: "Check whether the sidecar port is free on the loopback interface",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port int
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil || p < 1 || p > 65535 {
					return fmt.Errorf("invalid port %q", args[0])
				}
				port = p
			} else {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				port = cfg.Sidecar.Port
			}

			if !probe.IsPortAvailable(port) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%d is in use\n", probe.LoopbackHost, port)
				return errPortInUse
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d is free\n", probe.LoopbackHost, port)
			return nil
		},
	}
}
