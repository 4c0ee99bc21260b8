//go:build windows

package executor

import "time"

// ShellSpec runs a command line through Windows PowerShell.
func ShellSpec(command string, timeout time.Duration) Spec {
	return Spec{
		Name:    "powershell.exe",
		Args:    []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", command},
		Timeout: timeout,
	}
}
