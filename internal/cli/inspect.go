package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/store"
)

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	var pageSize int

	cmd := &cobra.Command{
		Use:   "state <arn>",
		Short: "Print the operations recorded for an execution",
		Long: `Print the operations recorded for an execution, following every page of
the state API.

Example:
  durable state arn:durable:orders:0b6f...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			var ops []durable.Operation
			req := durable.StateRequest{DurableExecutionArn: args[0], MaxItems: pageSize}
			for {
				page, err := c.GetExecutionState(cmd.Context(), req)
				if err != nil {
					return WrapExitError(ExitFailure, "get state", err)
				}
				ops = append(ops, page.Operations...)
				if page.NextMarker == "" {
					break
				}
				req.Marker = page.NextMarker
			}
			return rootOpts.formatter(cmd).Success(ops, func(w io.Writer) error {
				return printOperations(w, ops)
			})
		},
	}

	cmd.Flags().IntVar(&pageSize, "page-size", 0, "operations per request (server default when 0)")

	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "history <arn>",
		Short:         "Print an execution with its invocations and operations",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			h, err := c.History(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "get history", err)
			}
			return rootOpts.formatter(cmd).Success(h, func(w io.Writer) error {
				printExecution(w, h.Execution)
				fmt.Fprintf(w, "\nInvocations (%d)\n", len(h.Invocations))
				for i, inv := range h.Invocations {
					fmt.Fprintf(w, "  %d. %s %s\n", i+1, inv.ID, dash(string(inv.Status)))
				}
				fmt.Fprintf(w, "\nOperations (%d)\n", len(h.Operations))
				return printOperations(w, h.Operations)
			})
		},
	}
}

// NewExecutionsCommand creates the executions command.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:           "executions",
		Short:         "List executions recorded by the log server",
		Aliases:       []string{"ls"},
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.ExecutionStatus(strings.ToUpper(status))
			switch st {
			case "", store.ExecutionRunning, store.ExecutionSucceeded, store.ExecutionFailed:
			default:
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid --status %q: must be RUNNING, SUCCEEDED or FAILED", status))
			}
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			execs, err := c.ListExecutions(cmd.Context(), st)
			if err != nil {
				return WrapExitError(ExitFailure, "list executions", err)
			}
			return rootOpts.formatter(cmd).Success(execs, func(w io.Writer) error {
				return printExecutions(w, execs)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list executions with this status")

	return cmd
}
