// Package winget drives the Windows Package Manager CLI and parses its table
// output into inventory records.
package winget

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("winget")

// ExecFunc runs a program and returns its captured output. Implementations
// decide where the process runs (the service itself, or the user session
// through the IPC helper).
type ExecFunc func(ctx context.Context, name string, args []string, timeout time.Duration) (*executor.Result, error)

const (
	scanTimeout = 120 * time.Second
)

// ErrInvalidPackageID is returned for ids that could smuggle extra arguments.
var ErrInvalidPackageID = errors.New("invalid winget package id")

// validPackageID matches winget package identifiers (e.g. "Mozilla.Firefox", "Google.Chrome").
var validPackageID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-+]{0,255}$`)

// ValidPackageID reports whether id is safe to pass to winget.
func ValidPackageID(id string) bool {
	return validPackageID.MatchString(id)
}

// Client runs winget commands through an ExecFunc.
type Client struct {
	path           string
	exec           ExecFunc
	installTimeout time.Duration
}

// New returns a Client. path is the winget executable, installTimeout bounds
// upgrade and uninstall runs.
func New(path string, installTimeout time.Duration, exec ExecFunc) *Client {
	if path == "" {
		path = "winget"
	}
	if installTimeout <= 0 {
		installTimeout = executor.DefaultTimeout
	}
	return &Client{path: path, exec: exec, installTimeout: installTimeout}
}

// LocalExec runs winget in the agent's own context.
func LocalExec(e *executor.Executor) ExecFunc {
	return func(ctx context.Context, name string, args []string, timeout time.Duration) (*executor.Result, error) {
		return e.Run(ctx, executor.Spec{Name: name, Args: args, Timeout: timeout})
	}
}

// UpgradeArgs is the argument list for a silent exact-id upgrade.
func UpgradeArgs(id string) []string {
	return []string{
		"upgrade",
		"--exact",
		"--id", id,
		"--silent",
		"--accept-package-agreements",
		"--accept-source-agreements",
		"--disable-interactivity",
	}
}

// UninstallArgs is the argument list for a silent exact-id uninstall.
func UninstallArgs(id string) []string {
	return []string{
		"uninstall",
		"--exact",
		"--id", id,
		"--silent",
		"--accept-source-agreements",
		"--disable-interactivity",
	}
}

// CommandLine renders path and args as a single PowerShell command line.
// Every argument is single-quoted so ids are never interpreted by the shell.
func CommandLine(path string, args []string) string {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, "&", psQuote(path))
	for _, a := range args {
		parts = append(parts, psQuote(a))
	}
	return strings.Join(parts, " ")
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Upgrade upgrades one package. The returned string is the command output.
// A run that did not succeed is an *executor.CommandError.
func (c *Client) Upgrade(ctx context.Context, id string) (string, error) {
	return c.install(ctx, "winget upgrade", id, UpgradeArgs(id))
}

// Uninstall removes one package.
func (c *Client) Uninstall(ctx context.Context, id string) (string, error) {
	return c.install(ctx, "winget uninstall", id, UninstallArgs(id))
}

func (c *Client) install(ctx context.Context, op, id string, args []string) (string, error) {
	if !ValidPackageID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPackageID, id)
	}

	log.Info("running package command", "op", op, "packageId", id)
	res, err := c.exec(ctx, c.path, args, c.installTimeout)
	if err != nil {
		var cmdErr *executor.CommandError
		if errors.As(err, &cmdErr) {
			return cmdErr.Output, err
		}
		return "", &executor.CommandError{Op: op, ExitCode: -1, Err: err}
	}

	out := res.Output()
	if !executor.Succeeded(res) {
		return out, &executor.CommandError{Op: op, ExitCode: res.ExitCode, Output: out}
	}
	return out, nil
}

// ListInstalled returns installed packages from `winget list`.
func (c *Client) ListInstalled(ctx context.Context) ([]api.InstalledApp, error) {
	stdout, err := c.scan(ctx, "winget list", []string{
		"list",
		"--accept-source-agreements",
		"--disable-interactivity",
	})
	if err != nil {
		return nil, err
	}
	return ParseList(stdout), nil
}

// ListUpgrades returns available upgrades from `winget upgrade`.
func (c *Client) ListUpgrades(ctx context.Context) ([]api.AppUpdate, error) {
	stdout, err := c.scan(ctx, "winget upgrade", []string{
		"upgrade",
		"--include-unknown",
		"--accept-source-agreements",
		"--disable-interactivity",
	})
	if err != nil {
		return nil, err
	}
	return ParseUpgrades(stdout), nil
}

func (c *Client) scan(ctx context.Context, op string, args []string) (string, error) {
	res, err := c.exec(ctx, c.path, args, scanTimeout)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", op, err)
	}
	// winget exits non-zero for some "nothing to do" cases, so only an empty
	// table is treated as a failure.
	if res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "" {
		return "", &executor.CommandError{Op: op, ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}
