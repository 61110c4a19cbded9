// Package errors terminates the agent with exit codes that tell supervisors what went wrong.
package errors

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
)

const (
	// ErrorCommandSpecific is reserved for command specific indications
	ErrorCommandSpecific = 1
	// ErrorInvalidConfig is returned when settings or declarations are rejected
	ErrorInvalidConfig = 2
	// ErrorConnectionFailure is returned when the platform cannot be reached
	ErrorConnectionFailure = 11
	// ErrorStorage is returned when the state store cannot be opened
	ErrorStorage = 14
	// ErrorGeneric is returned for generic error
	ErrorGeneric = 20
)

var exit = os.Exit

// CheckError logs a fatal message and exits with ErrorGeneric if err is not nil
func CheckError(err error, log logr.Logger) {
	CheckErrorWithCode(err, ErrorGeneric, log)
}

// CheckErrorWithCode exits with the given code if err is not nil
func CheckErrorWithCode(err error, exitcode int, log logr.Logger) {
	if err != nil {
		Fatal(log, exitcode, err)
	}
}

// Fatal logs err and exits with exitcode
func Fatal(log logr.Logger, exitcode int, err error) {
	log.Error(err, "Fatal error", "exitCode", exitcode)
	exit(exitcode)
}

// ExitCodeError carries the exit code of a failed command
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%v (exit code %d)", e.Err, e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// WithExitCode attaches an exit code to err. Nil stays nil.
func WithExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &ExitCodeError{Code: code, Err: err}
}

// ExitCode returns the code attached with WithExitCode, or ErrorGeneric
func ExitCode(err error) int {
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ErrorGeneric
}
