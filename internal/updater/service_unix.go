//go:build !windows

package updater

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SystemdService controls a systemd unit through systemctl.
type SystemdService struct {
	Name string
}

func NewServiceManager(name string) *SystemdService {
	return &SystemdService{Name: name}
}

func (s *SystemdService) Stop(ctx context.Context) error {
	return s.systemctl(ctx, "stop")
}

func (s *SystemdService) Start(ctx context.Context) error {
	return s.systemctl(ctx, "start")
}

func (s *SystemdService) systemctl(ctx context.Context, verb string) error {
	out, err := exec.CommandContext(ctx, "systemctl", verb, s.Name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w: %s", verb, s.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
