package process

import (
	"fmt"
	"strings"
)

// ProcessError reports a process task failure: the OS refusing to spawn the
// program, a non-zero exit code, or an output processor failing mid-stream.
// An existing cause is preserved as the inner error and its message chained.
type ProcessError struct {
	// Program is the executable the task ran (or tried to run).
	Program string

	// ExitCode is the process exit code; -1 when the process never ran.
	ExitCode int

	// Errors is the captured stderr buffer, one entry per line.
	Errors []string

	// Err is the inner cause, if any.
	Err error
}

func (e *ProcessError) Error() string {
	var b strings.Builder
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, "process: %q exited with code %d", e.Program, e.ExitCode)
	} else {
		fmt.Fprintf(&b, "process: %q failed to run", e.Program)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Errors) > 0 {
		fmt.Fprintf(&b, " (stderr: %s)", e.Errors[0])
	}
	return b.String()
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
