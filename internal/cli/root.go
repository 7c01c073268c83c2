package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Process exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitRunFailed = 99
)

// ExitCodeError carries a non-zero exit code out of a command. Err may be
// nil when the command already reported the failure.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// NewRootCmd builds the surge command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "surge",
		Short:   "Staged HTTP load generator",
		Version: version,
		Long: `Surge drives a pool of virtual users through a ramping schedule against
a set of HTTP endpoints, checks every response, and evaluates pass/fail
thresholds over the collected metrics when the run ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command line with os.Args and returns the process exit code.
func Execute() int {
	return ExecuteArgs(os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteArgs runs the command tree with the given arguments and writers.
func ExecuteArgs(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(stderr, "Error:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return ExitError
}
