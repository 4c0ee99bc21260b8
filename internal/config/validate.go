package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validLogFormats = map[string]bool{
	"text":    true,
	"json":    true,
	"console": true,
}

// ValidationResult separates problems that must stop startup from values
// that were clamped or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns all errors found. Dangerous values
// are clamped to safe defaults. Everything is logged as a warning.
func (c *Config) Validate() []error {
	errs := c.ValidateTiered().All()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config. Endpoint, key and IPC address problems
// are fatal; out-of-range numbers are clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	for _, ep := range c.APIEndpoints {
		u, err := url.Parse(ep)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("api endpoint %q is not a valid URL: %w", ep, err))
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("api endpoint scheme must be http or https, got %q", u.Scheme))
		}
	}

	for _, ch := range c.APIKey {
		if unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_key contains control characters"))
			break
		}
	}

	if host, _, err := net.SplitHostPort(c.IPCAddr); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("ipc_addr %q: %w", c.IPCAddr, err))
	} else if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		r.Fatals = append(r.Fatals, fmt.Errorf("ipc_addr %q must be a loopback address", c.IPCAddr))
	}

	switch strings.ToLower(c.PackageExecMode) {
	case ExecModeAuto, ExecModeSystem, ExecModeUser:
		c.PackageExecMode = strings.ToLower(c.PackageExecMode)
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("package_exec_mode %q is not valid, using %q", c.PackageExecMode, ExecModeAuto))
		c.PackageExecMode = ExecModeAuto
	}

	clamp(&r, "loop_interval_seconds", &c.LoopIntervalSeconds, 5, 3600)
	clamp(&r, "full_report_interval", &c.FullReportInterval, 1, 10000)
	clamp(&r, "error_backoff_seconds", &c.ErrorBackoffSeconds, 1, 600)
	clamp(&r, "command_timeout_minutes", &c.CommandTimeoutMinutes, 1, 240)
	clamp(&r, "ipc_max_connections", &c.IPCMaxConnections, 1, 64)
	clamp(&r, "update_verify_timeout_seconds", &c.UpdateVerifyTimeoutSeconds, 30, 3600)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && !validLogFormats[strings.ToLower(c.LogFormat)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text, json or console)", c.LogFormat))
	}

	return r
}

func clamp(r *ValidationResult, name string, v *int, lo, hi int) {
	if *v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}
