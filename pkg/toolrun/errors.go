package toolrun

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLaunch indicates the external tool could not be started.
	ErrLaunch = errors.New("collaborator launch failed")

	// ErrRuntime indicates the external tool started but did not succeed.
	ErrRuntime = errors.New("collaborator runtime failure")
)

// LaunchError is returned when the process never started (missing binary,
// permission denied, bad working directory).
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrLaunch, e.Name, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}

// ExitError is returned when the process exited unsuccessfully or its output
// could not be read. Reason is set in the latter case.
type ExitError struct {
	Name       string
	Code       int
	Reason     string
	StderrTail []string
	Err        error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", e.Name, e.Reason)
	}
	if len(e.StderrTail) > 0 {
		msg += ": " + strings.Join(e.StderrTail, " | ")
	}
	return msg
}

func (e *ExitError) Unwrap() []error {
	return []error{ErrRuntime, e.Err}
}

// IsLaunch reports whether err is a launch failure.
func IsLaunch(err error) bool {
	return errors.Is(err, ErrLaunch)
}

// IsRuntime reports whether err is a runtime failure of a started process.
func IsRuntime(err error) bool {
	return errors.Is(err, ErrRuntime)
}
