package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/checkpoint"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Request failed or the execution failed
	ExitCommandError = 2 // Command error (bad flags, unreadable config, etc.)
)

// ExitError carries the exit code a command should terminate with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command's output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Success writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// Error reports err in the configured format.
func (f *OutputFormatter) Error(err error) {
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: GetExitCode(err), Message: err.Error()},
		})
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func printOperations(w io.Writer, ops []durable.Operation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tTYPE\tSTATUS\tNAME\tSTARTED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID, dash(op.ParentID), op.Type, op.Status, dash(op.NameValue()), clock(op.StartTimestamp))
	}
	return tw.Flush()
}

func printExecutions(w io.Writer, execs []checkpoint.ExecutionSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARN\tFUNCTION\tSTATUS\tUPDATED")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Arn, e.FunctionName, e.Status, clock(e.UpdatedAt))
	}
	return tw.Flush()
}

func printExecution(w io.Writer, e checkpoint.ExecutionSummary) {
	fmt.Fprintf(w, "Execution %s\n", e.Arn)
	fmt.Fprintf(w, "  Function: %s\n", e.FunctionName)
	fmt.Fprintf(w, "  Status:   %s\n", e.Status)
	if e.Result != nil {
		fmt.Fprintf(w, "  Result:   %s\n", *e.Result)
	}
	if e.Error != nil {
		fmt.Fprintf(w, "  Error:    %s: %s\n", e.Error.ErrorType, e.Error.ErrorMessage)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clock(ts durable.Timestamp) string {
	if ts == 0 {
		return "-"
	}
	return ts.Time().UTC().Format(time.RFC3339)
}
