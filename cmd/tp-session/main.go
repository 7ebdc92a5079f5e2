package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-udstp/internal/metrics"
	"github.com/spf13/cobra"
)

// app carries what PersistentPreRunE sets up for the subcommands.
type app struct {
	cfg     *appConfig
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	httpSrv *http.Server
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tp-session:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: defaultConfig()}
	var showVersion bool
	root := &cobra.Command{
		Use:           "tp-session",
		Short:         "ISO-TP test sessions over a CAN signal broker.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "tp-session %s (commit %s, built %s)\n", version, commit, date)
				return nil
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.teardown()
		},
	}
	root.Flags().BoolVar(&showVersion, "version", false, "Print version and exit")
	a.cfg.registerFlags(root.PersistentFlags())

	root.AddCommand(
		newSendCmd(a),
		newListenCmd(a),
		newKeepaliveCmd(a),
		newServeCmd(a),
		newDiscoverCmd(a),
		newDumpCmd(a),
	)
	return root
}

// setup applies environment overrides, validates the configuration and
// starts logging and metrics.
func (a *app) setup(cmd *cobra.Command) error {
	if err := applyEnvOverrides(a.cfg, changedFlags(cmd.Flags())); err != nil {
		return err
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}
	a.log = setupLogger(a.cfg.logFormat, a.cfg.logLevel)
	a.log.Info("build_info", "version", version, "commit", commit, "date", date, "command", cmd.Name())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	a.ctx, a.cancel = ctx, stop
	if a.cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		a.httpSrv = metrics.StartHTTP(a.cfg.metricsAddr)
	}
	startMetricsLogger(ctx, a.cfg.logMetricsEvery, a.log, &a.wg)
	return nil
}

func (a *app) teardown() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(context.Background())
	}
	a.wg.Wait()
}
