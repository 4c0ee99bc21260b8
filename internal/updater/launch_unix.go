//go:build !windows

package updater

import (
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// detachedCommand runs the updater in its own session. Under systemd it is
// moved to a transient unit so stopping the agent unit does not kill it.
func detachedCommand(path string, args []string) *exec.Cmd {
	if run, err := exec.LookPath("systemd-run"); err == nil {
		unit := "fleet-updater-" + strconv.FormatInt(time.Now().Unix(), 10)
		full := append([]string{"--unit", unit, "--collect", "--quiet", path}, args...)
		return plainCommand(run, full)
	}
	cmd := plainCommand(path, args)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}
