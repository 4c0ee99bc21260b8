// Package userhelper implements the helper that runs in the interactive user
// session and serves dialog, execute and scheduling requests from the agent.
package userhelper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/ipc"
	"github.com/wingetdash/fleet/internal/logging"
)

var log = logging.L("userhelper")

// DefaultExecuteTimeout applies when an execute_command request names none.
const DefaultExecuteTimeout = 30 * time.Minute

// errUnsupported is returned by platform pieces that only exist on Windows.
var errUnsupported = errors.New("unsupported on this platform")

// Runner runs one process. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, spec executor.Spec) (*executor.Result, error)
}

// Dialogs shows modal message boxes on the user's desktop.
type Dialogs interface {
	// YesNo returns true when the user picked yes.
	YesNo(title, text string) (bool, error)
	Info(title, text string) error
}

// Helper dispatches IPC requests. It implements ipc.Handler.
type Helper struct {
	runner     Runner
	dialogs    Dialogs
	tempDir    string
	wingetPath string

	scheduleSupported bool
}

// New returns a Helper using the platform dialogs and the given runner.
func New(runner Runner) *Helper {
	return &Helper{
		runner:            runner,
		dialogs:           platformDialogs{},
		tempDir:           os.TempDir(),
		wingetPath:        userWingetPath(),
		scheduleSupported: scheduleSupported,
	}
}

// Handle implements ipc.Handler.
func (h *Helper) Handle(ctx context.Context, req *ipc.Request) *ipc.Response {
	switch req.Type {
	case ipc.TypePing:
		return &ipc.Response{Status: ipc.StatusPong}
	case ipc.TypeRequest, ipc.TypeInfo:
		return h.dialog(req)
	case ipc.TypeExecuteCommand:
		return h.execute(ctx, req)
	case ipc.TypeScheduleTask:
		return h.schedule(ctx, req)
	default:
		log.Warn("unknown message type", "type", req.Type)
		return &ipc.Response{Status: ipc.StatusError, Details: "unknown message type"}
	}
}

func (h *Helper) dialog(req *ipc.Request) *ipc.Response {
	title := req.Title
	if title == "" {
		title = "Winget Fleet"
	}

	if req.Type == ipc.TypeInfo {
		if err := h.dialogs.Info(title, req.Message); err != nil {
			log.Error("info dialog failed", "error", err)
			return &ipc.Response{Status: ipc.StatusError, Details: err.Error()}
		}
		return &ipc.Response{Status: ipc.StatusDialogOK, Response: ipc.ChoiceOK}
	}

	text := req.Message
	if req.Detail != "" {
		text += "\n\n" + req.Detail
	}
	yes, err := h.dialogs.YesNo(title, text)
	if err != nil {
		log.Error("yes/no dialog failed", "error", err)
		return &ipc.Response{Status: ipc.StatusError, Details: err.Error()}
	}
	choice := ipc.ChoiceShutdown
	if yes {
		choice = ipc.ChoiceNow
	}
	log.Info("dialog answered", "choice", choice)
	return &ipc.Response{Status: ipc.StatusDialogOK, Response: choice}
}

func (h *Helper) execute(ctx context.Context, req *ipc.Request) *ipc.Response {
	if strings.TrimSpace(req.Command) == "" {
		return &ipc.Response{Status: ipc.StatusFailure, Details: "empty command"}
	}

	timeout := DefaultExecuteTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	script := PowerShellScript(req.Command, h.wingetPath)
	log.Info("executing command in user session", "command", req.Command, "timeout", timeout)

	res, err := h.runner.Run(ctx, executor.ShellSpec(script, timeout))
	if res == nil {
		log.Error("command could not start", "error", err)
		return &ipc.Response{Status: ipc.StatusFailure, Details: fmt.Sprint(err)}
	}
	if err == nil && executor.Succeeded(res) {
		log.Info("command succeeded", "exitCode", res.ExitCode, "durationMs", res.Duration.Milliseconds())
		return &ipc.Response{Status: ipc.StatusSuccess, Details: res.Stdout}
	}

	log.Warn("command failed", "exitCode", res.ExitCode, "timedOut", res.TimedOut, "error", err)
	return &ipc.Response{Status: ipc.StatusFailure, Details: FailureDetails(res)}
}

// FailureDetails formats a failed run the way operators read it in the
// dashboard.
func FailureDetails(res *executor.Result) string {
	return fmt.Sprintf("exit code: %d\n\nSTDOUT:\n%s\n\nSTDERR:\n%s", res.ExitCode, res.Stdout, res.Stderr)
}

// PowerShellScript prepares a command for the user's PowerShell: progress
// bars off, English UI culture so output parsing stays stable, and a bare
// winget program name resolved to the user's App Installer copy.
func PowerShellScript(command, wingetPath string) string {
	command = expandWinget(command, wingetPath)
	prefix := "$ProgressPreference = 'SilentlyContinue'; [System.Threading.Thread]::CurrentThread.CurrentUICulture = 'en-US'; "
	if !strings.Contains(command, "\n") && !strings.HasPrefix(command, "&") {
		return prefix + "& " + command
	}
	return prefix + command
}

func expandWinget(command, wingetPath string) string {
	if wingetPath == "" || wingetPath == "winget" {
		return command
	}
	quoted := "'" + strings.ReplaceAll(wingetPath, "'", "''") + "'"
	switch {
	case strings.HasPrefix(command, "& 'winget' "):
		return "& " + quoted + strings.TrimPrefix(command, "& 'winget'")
	case strings.HasPrefix(command, "winget "):
		return "& " + quoted + strings.TrimPrefix(command, "winget")
	}
	return command
}

// userWingetPath finds winget.exe under the user's WindowsApps, where App
// Installer places it. The service account cannot see this copy.
func userWingetPath() string {
	local := os.Getenv("LOCALAPPDATA")
	if local == "" {
		return "winget"
	}
	p := filepath.Join(local, "Microsoft", "WindowsApps", "winget.exe")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	log.Warn("winget.exe not found under LOCALAPPDATA, relying on PATH")
	return "winget"
}
