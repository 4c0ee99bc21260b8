package userhelper

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/ipc"
)

const schtasksTimeout = 60 * time.Second

// validTaskName keeps task names usable as file names and schtasks /TN values.
var validTaskName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._\-]{0,199}$`)

func (h *Helper) schedule(ctx context.Context, req *ipc.Request) *ipc.Response {
	if !h.scheduleSupported {
		return &ipc.Response{Status: ipc.StatusFailure, Details: errUnsupported.Error()}
	}
	trigger := req.TriggerType
	if trigger == "" {
		trigger = ipc.TriggerOnLogon
	}
	if trigger != ipc.TriggerOnLogon {
		return &ipc.Response{Status: ipc.StatusFailure, Details: fmt.Sprintf("unsupported trigger type %q", trigger)}
	}
	if !validTaskName.MatchString(req.TaskName) {
		return &ipc.Response{Status: ipc.StatusFailure, Details: fmt.Sprintf("invalid task name %q", req.TaskName)}
	}
	if strings.TrimSpace(req.Command) == "" {
		return &ipc.Response{Status: ipc.StatusFailure, Details: "empty command"}
	}

	starter, err := WriteStarter(h.tempDir, req.TaskName, req.Command)
	if err != nil {
		log.Error("write task script failed", "task", req.TaskName, "error", err)
		return &ipc.Response{Status: ipc.StatusFailure, Details: err.Error()}
	}

	res, err := h.runner.Run(ctx, executor.Spec{
		Name:    "schtasks",
		Args:    SchtasksArgs(req.TaskName, starter),
		Timeout: schtasksTimeout,
	})
	if res == nil {
		os.Remove(starter)
		return &ipc.Response{Status: ipc.StatusFailure, Details: fmt.Sprint(err)}
	}
	if err != nil || res.ExitCode != 0 {
		os.Remove(starter)
		msg := strings.TrimSpace(res.Stdout)
		if msg == "" {
			msg = strings.TrimSpace(res.Stderr)
		}
		log.Error("schtasks failed", "task", req.TaskName, "exitCode", res.ExitCode, "output", msg)
		return &ipc.Response{Status: ipc.StatusFailure, Details: msg}
	}

	log.Info("scheduled logon task", "task", req.TaskName)
	return &ipc.Response{Status: ipc.StatusSuccess, Details: fmt.Sprintf("task %q scheduled", req.TaskName)}
}

// WriteStarter writes <dir>/<name>.ps1. The starter launches the encoded
// body, which transcribes its output to <name>.log, runs the command and
// deletes the starter so the task only ever runs once.
func WriteStarter(dir, name, command string) (string, error) {
	starter := filepath.Join(dir, name+".ps1")
	transcript := filepath.Join(dir, name+".log")

	body := fmt.Sprintf("\nStart-Transcript -Path \"%s\" -Force\n%s\nStop-Transcript\nRemove-Item -Path \"%s\" -Force -ErrorAction SilentlyContinue\n",
		transcript, command, starter)
	content := "powershell.exe -NoProfile -ExecutionPolicy Bypass -EncodedCommand " + EncodeCommand(body)

	if err := os.WriteFile(starter, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", starter, err)
	}
	return starter, nil
}

// SchtasksArgs registers the starter to run hidden at the next logon.
func SchtasksArgs(name, starter string) []string {
	tr := fmt.Sprintf(`powershell.exe -WindowStyle Hidden -NoProfile -ExecutionPolicy Bypass -File "%s"`, starter)
	return []string{
		"/Create", "/TN", name, "/TR", tr, "/F",
		"/SC", "ONLOGON", "/DELAY", "0001:00", "/RL", "HIGHEST",
	}
}

// EncodeCommand produces the base64 UTF-16LE form PowerShell accepts for
// -EncodedCommand.
func EncodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
