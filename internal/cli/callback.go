package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dshills/durable-go/durable"
)

// NewCallbackCommand creates the callback command and its subcommands.
func NewCallbackCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Complete or heartbeat a callback created by a handler",
		Long: `Complete or heartbeat a callback created by a handler.

The callback id is the one the handler handed to the external system
(CallbackDetails.CallbackId in the execution state).

Examples:
  durable callback succeed cb-7f3a --result '{"approved":true}'
  durable callback fail cb-7f3a --type Rejected --message "not today"
  durable callback heartbeat cb-7f3a`,
	}

	cmd.AddCommand(newCallbackSucceedCommand(rootOpts))
	cmd.AddCommand(newCallbackFailCommand(rootOpts))
	cmd.AddCommand(newCallbackHeartbeatCommand(rootOpts))

	return cmd
}

func newCallbackSucceedCommand(rootOpts *RootOptions) *cobra.Command {
	var result string

	cmd := &cobra.Command{
		Use:           "succeed <callback-id>",
		Short:         "Complete a callback successfully",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			var payload *string
			if cmd.Flags().Changed("result") {
				payload = &result
			}
			if err := c.SucceedCallback(cmd.Context(), args[0], payload); err != nil {
				return WrapExitError(ExitFailure, "succeed callback", err)
			}
			return callbackDone(cmd, rootOpts, args[0], "succeeded")
		},
	}

	cmd.Flags().StringVar(&result, "result", "", "callback result, passed to the handler as is")

	return cmd
}

func newCallbackFailCommand(rootOpts *RootOptions) *cobra.Command {
	var e durable.ErrorObject

	cmd := &cobra.Command{
		Use:           "fail <callback-id>",
		Short:         "Fail a callback",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			if err := c.FailCallback(cmd.Context(), args[0], &e); err != nil {
				return WrapExitError(ExitFailure, "fail callback", err)
			}
			return callbackDone(cmd, rootOpts, args[0], "failed")
		},
	}

	cmd.Flags().StringVar(&e.ErrorType, "type", "CallbackError", "error type")
	cmd.Flags().StringVar(&e.ErrorMessage, "message", "", "error message")
	cmd.Flags().StringVar(&e.ErrorData, "data", "", "error data")

	return cmd
}

func newCallbackHeartbeatCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "heartbeat <callback-id>",
		Short:         "Extend the heartbeat timeout of a callback",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			if err := c.HeartbeatCallback(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitFailure, "heartbeat callback", err)
			}
			return callbackDone(cmd, rootOpts, args[0], "heartbeat recorded")
		},
	}
}

func callbackDone(cmd *cobra.Command, rootOpts *RootOptions, id, what string) error {
	data := map[string]string{"callback_id": id, "result": what}
	return rootOpts.formatter(cmd).Success(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Callback %s %s\n", id, what)
		return err
	})
}
