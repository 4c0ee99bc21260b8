package executor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCommandFailed is matched by every CommandError.
var ErrCommandFailed = errors.New("command failed")

// CommandError is an OS action that ran and did not succeed.
type CommandError struct {
	Op       string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed (exit %d)", e.Op, e.ExitCode)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommandFailed}
	}
	return []error{ErrCommandFailed, e.Err}
}

// successMarkers are printed by winget when an install went through even
// though the process exit code says otherwise.
var successMarkers = []string{"Successfully installed", "successfully installed"}

// Succeeded applies the package-manager leniency: exit code zero, or a known
// success line anywhere in the output.
func Succeeded(r *Result) bool {
	if r == nil {
		return false
	}
	if r.ExitCode == 0 && !r.TimedOut {
		return true
	}
	for _, m := range successMarkers {
		if strings.Contains(r.Stdout, m) || strings.Contains(r.Stderr, m) {
			return true
		}
	}
	return false
}
