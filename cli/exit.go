package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitPluginsFailed   = 1
	ExitDiscoveryFailed = 2
	ExitSetupFailed     = 3
)

// ExitError carries the exit code a command failed with. A nil Err means
// the command already told the user what went wrong.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func setupError(err error) error {
	return &ExitError{Code: ExitSetupFailed, Err: err}
}

// exitCode maps a command error to the process exit code. Errors without
// an ExitError come from argument parsing or setup and count as fatal.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitSetupFailed
}
