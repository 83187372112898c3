package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/telemetry"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

var version = "dev"

// cliError carries a process exit code.
type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func (e cliError) Unwrap() error { return e.err }

// state is populated by the root command before any subcommand runs.
type state struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	out        io.Writer
	shutdown   telemetry.ShutdownFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := newRootCommand(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			if ce.err != nil {
				fmt.Fprintln(os.Stderr, ce.err)
			}
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	st := &state{out: out}
	root := &cobra.Command{
		Use:           "rollout",
		Short:         "Deploy, verify and monitor the image classification inference service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(st.configPath)
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.logger = utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
			slog.SetDefault(st.logger)

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
			shutdown, err := telemetry.Setup(cfg.Telemetry, version, os.Stderr)
			if err != nil {
				return err
			}
			st.shutdown = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if st.shutdown == nil {
				return nil
			}
			return st.shutdown(context.WithoutCancel(cmd.Context()))
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&st.configPath, "config", "", "Path to configuration file (defaults to $ROLLOUT_CONFIG)")

	root.AddCommand(newDeployCommand(st))
	root.AddCommand(newRollbackCommand(st))
	root.AddCommand(newSmokeCommand(st))
	root.AddCommand(newPredictionsCommand(st))
	root.AddCommand(newMonitorCommand(st))
	root.AddCommand(newEvaluateCommand(st))
	root.AddCommand(newServeCommand(st))
	return root
}
