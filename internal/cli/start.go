package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dshills/durable-go/durable/oplog"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Function string
	Name     string
	Payload  string
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Record a new execution on the log server",
		Long: `Record a new execution on the log server and print the input of its
first invocation.

Example:
  durable start --function orders --payload '{"order_id":"o-1"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Function, "function", "", "function name (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "execution name (defaults to a generated id)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "execution input as JSON")
	_ = cmd.MarkFlagRequired("function")

	return cmd
}

func runStart(cmd *cobra.Command, opts *StartOptions) error {
	req := oplog.StartExecutionRequest{FunctionName: opts.Function, ExecutionName: opts.Name}
	if opts.Payload != "" {
		if !json.Valid([]byte(opts.Payload)) {
			return NewExitError(ExitCommandError, "invalid --payload JSON")
		}
		req.Payload = &opts.Payload
	}

	c, err := opts.client()
	if err != nil {
		return err
	}
	inv, err := c.StartExecution(cmd.Context(), req)
	if err != nil {
		return WrapExitError(ExitFailure, "start execution", err)
	}

	return opts.formatter(cmd).Success(inv, func(w io.Writer) error {
		fmt.Fprintf(w, "Started %s\n", inv.DurableExecutionArn)
		fmt.Fprintf(w, "  Invocation:       %s\n", inv.InvocationID)
		fmt.Fprintf(w, "  Checkpoint token: %s\n", inv.CheckpointToken)
		return nil
	})
}
