package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/roach88/dbwire/internal/config"
	"github.com/roach88/dbwire/internal/descriptor"
	"github.com/roach88/dbwire/internal/metrics"
	"github.com/roach88/dbwire/internal/module"
	"github.com/roach88/dbwire/internal/startup"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	MetricsAddr     string
	Parallel        bool
	Watch           bool
	ShutdownTimeout time.Duration
}

// StartResult is the JSON output of the start command, written after shutdown.
type StartResult struct {
	Units         []string        `json:"units"`
	Hooks         []startup.Event `json:"hooks"`
	ShutdownError string          `json:"shutdown_error,omitempty"`
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{}

	cmd := &cobra.Command{
		Use:   "start [descriptor]",
		Short: "Start every persistence unit and run until interrupted",
		Long: `Start every persistence unit of a descriptor inside an fx application.

Data sources open first, then units start in priority order. The command runs
until interrupted, then stops every started unit and closes the pools.
Prometheus metrics are served on --metrics-addr when set.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides DBWIRE_METRICS_ADDR)")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "start units of equal priority concurrently")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "report descriptor edits while running")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 0, "shutdown deadline (overrides DBWIRE_SHUTDOWN_TIMEOUT)")

	return cmd
}

func runStart(rootOpts *RootOptions, opts *StartOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)

	rt, err := rootOpts.resolve()
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	applyStartFlags(rt.cfg, opts, cmd)

	path := rt.descriptorPath(args)
	file, err := LoadDescriptor(path)
	if err != nil {
		return loadFailure(formatter, err)
	}

	b := rt.bootstrap(file)
	if err := b.Install(module.FromDescriptor(file)...); err != nil {
		return formatter.fail(ExitFailure, ErrCodeInvalidUnit, err.Error(), nil)
	}

	fxOpts := []fx.Option{b.FxLogger(), b.FxModule()}
	if rt.cfg.MetricsAddr != "" {
		fxOpts = append(fxOpts, metricsServer(rt.cfg.MetricsAddr, rt.metrics, rt.logger))
	}
	app := fx.New(fxOpts...)
	if err := app.Err(); err != nil {
		return formatter.fail(ExitFailure, ErrCodeStartFailed, err.Error(), nil)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		// The failing hook is ours, so fx does not run its OnStop.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
		defer stopCancel()
		_ = b.Shutdown(stopCtx)
		printTrace(formatter, b.Trace())
		return formatter.fail(ExitFailure, ErrCodeStartFailed, err.Error(), nil)
	}

	if !formatter.JSON() {
		fmt.Fprintf(formatter.Writer, "✓ started %d unit(s)\n", len(b.Bound()))
		printTrace(formatter, b.Trace())
	}

	if opts.Watch {
		w, err := config.NewWatcher(path, file, rt.logger, 0)
		if err != nil {
			rt.logger.Warn("descriptor watcher disabled", zap.Error(err))
		} else {
			w.OnChange(func(_ *descriptor.File, diff config.Diff) {
				formatter.VerboseLog("descriptor changed: added=%v removed=%v changed=%v", diff.Added, diff.Removed, diff.Changed)
			})
			defer w.Close()
		}
	}

	<-cmd.Context().Done()
	rt.logger.Info("shutting down", zap.Duration("timeout", rt.cfg.ShutdownTimeout))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
	defer stopCancel()
	stopErr := app.Stop(stopCtx)

	if formatter.JSON() {
		result := StartResult{Hooks: b.Trace()}
		for _, m := range b.Bound() {
			result.Units = append(result.Units, m.String())
		}
		if stopErr != nil {
			result.ShutdownError = stopErr.Error()
		}
		if err := formatter.Success(result); err != nil {
			return err
		}
	}
	if stopErr != nil {
		if !formatter.JSON() {
			fmt.Fprintf(formatter.Writer, "✗ shutdown: %v\n", stopErr)
		}
		return WrapExitError(ExitFailure, "shutdown failed", stopErr)
	}
	if !formatter.JSON() {
		fmt.Fprintln(formatter.Writer, "✓ stopped")
	}
	return nil
}

func applyStartFlags(cfg *config.Config, opts *StartOptions, cmd *cobra.Command) {
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if cmd.Flags().Changed("parallel") {
		cfg.ParallelStartup = opts.Parallel
	}
	if cmd.Flags().Changed("shutdown-timeout") && opts.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = opts.ShutdownTimeout
	}
}

func printTrace(formatter *OutputFormatter, trace []startup.Event) {
	if formatter.JSON() {
		return
	}
	for _, ev := range trace {
		if ev.Stage != startup.StageStart {
			continue
		}
		if ev.Err != "" {
			fmt.Fprintf(formatter.Writer, "  ✗ %s: %s\n", ev.Hook, ev.Err)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s\n", ev.Hook)
	}
}

// metricsServer serves the collector's registry on addr for the app's lifetime.
func metricsServer(addr string, c *metrics.Collector, logger *zap.Logger) fx.Option {
	return fx.Invoke(func(lc fx.Lifecycle) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(c.Registry()))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	})
}
