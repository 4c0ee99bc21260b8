package updater

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/wingetdash/fleet/pkg/api"
)

// Launcher starts fleet-updater as a detached process so it survives the
// agent service being stopped.
type Launcher struct {
	// Path of the fleet-updater executable.
	Path string
	// ConfigFile is passed through with --config when set.
	ConfigFile string
}

// NewLauncher returns a launcher for the fleet-updater next to the running
// executable.
func NewLauncher(configFile string) (*Launcher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}
	return &Launcher{
		Path:       filepath.Join(filepath.Dir(self), exeName("fleet-updater")),
		ConfigFile: configFile,
	}, nil
}

// Args returns the fleet-updater command line for p.
func (l *Launcher) Args(p api.SelfUpdatePayload) []string {
	args := []string{"update", "--url", p.URL, "--version", p.Version}
	if p.SHA256 != "" {
		args = append(args, "--sha256", p.SHA256)
	}
	if l.ConfigFile != "" {
		args = append(args, "--config", l.ConfigFile)
	}
	return args
}

// Launch spawns the updater and returns without waiting for it.
func (l *Launcher) Launch(ctx context.Context, p api.SelfUpdatePayload) error {
	if _, err := os.Stat(l.Path); err != nil {
		return fmt.Errorf("updater executable: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := detachedCommand(l.Path, l.Args(p))
	cmd.Dir = filepath.Dir(l.Path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start updater: %w", err)
	}
	log.Info("updater launched", "pid", cmd.Process.Pid, "version", p.Version)
	return cmd.Process.Release()
}

func plainCommand(path string, args []string) *exec.Cmd {
	return exec.Command(path, args...)
}
