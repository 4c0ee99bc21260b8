//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows/svc"

	"github.com/wingetdash/fleet/internal/config"
)

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// hasConsole is false under the SCM, which has no stdout.
func hasConsole() bool { return !isWindowsService() }

// agentService implements svc.Handler for the Windows SCM.
type agentService struct {
	startFn func() (*agentComponents, error)
}

// runAsService runs the agent under the Windows Service Control Manager.
func runAsService(startFn func() (*agentComponents, error)) error {
	name := config.Default().ServiceName
	if cfg, err := config.Load(cfgFile); err == nil && cfg.ServiceName != "" {
		name = cfg.ServiceName
	}
	return svc.Run(name, &agentService{startFn: startFn})
}

// Execute is the SCM callback. It reports StartPending, calls startFn, then
// blocks until the SCM sends Stop or Shutdown.
func (s *agentService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	comps, err := s.startFn()
	if err != nil {
		log.Error("agent start failed", "error", err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("agent running as Windows service")

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				shutdownAgent(comps)
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
			}
		case <-comps.done:
			changes <- svc.Status{State: svc.StopPending}
			shutdownAgent(comps)
			return false, 0
		}
	}
}
