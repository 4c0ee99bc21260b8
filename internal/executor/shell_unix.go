//go:build !windows

package executor

import "time"

// ShellSpec runs a command line through /bin/sh.
func ShellSpec(command string, timeout time.Duration) Spec {
	return Spec{
		Name:    "/bin/sh",
		Args:    []string{"-c", command},
		Timeout: timeout,
	}
}
