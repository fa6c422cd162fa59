package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dshills/durable-go/durable/logserver"
	"github.com/dshills/durable-go/durable/oplog"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the durable execution log server",
		Long: `Run the durable execution log server.

The server records executions in the configured store, answers checkpoint
and state requests from handlers, fires due timers and exposes Prometheus
metrics on /metrics.

Example:
  durable serve --config durable.yaml --addr :9014`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.Config
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	st, err := cfg.OpenStore()
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("open %s store", cfg.Store.Driver), err)
	}
	defer st.Close()

	l := oplog.New(st, append(cfg.LogOptions(), oplog.WithLogger(opts.Logger))...)
	defer l.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := logserver.New(l, append(cfg.ServerOptions(),
		logserver.WithLogger(opts.Logger),
		logserver.WithRegistry(reg))...)

	opts.Logger.Debug("opened store", "driver", cfg.Store.Driver)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	return nil
}
