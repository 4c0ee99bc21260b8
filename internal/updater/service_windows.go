//go:build windows

package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const (
	serviceWaitTimeout = 30 * time.Second
	servicePoll        = 300 * time.Millisecond
)

// SCMService controls a Windows service through the service control manager.
type SCMService struct {
	Name string
}

func NewServiceManager(name string) *SCMService {
	return &SCMService{Name: name}
}

func (s *SCMService) open() (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SCM: %w", err)
	}
	service, err := m.OpenService(s.Name)
	if err != nil {
		m.Disconnect()
		return nil, nil, fmt.Errorf("failed to open service %s: %w", s.Name, err)
	}
	return m, service, nil
}

// Stop stops the service and waits for it to reach Stopped. A service that
// is not running is not an error.
func (s *SCMService) Stop(ctx context.Context) error {
	m, service, err := s.open()
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer service.Close()

	status, err := service.Control(svc.Stop)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
			return nil
		}
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return waitState(ctx, service, status, svc.Stopped)
}

// Start starts the service and waits for it to reach Running.
func (s *SCMService) Start(ctx context.Context) error {
	m, service, err := s.open()
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer service.Close()

	if err := service.Start(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
		return fmt.Errorf("failed to start service: %w", err)
	}
	status, err := service.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	return waitState(ctx, service, status, svc.Running)
}

func waitState(ctx context.Context, service *mgr.Service, status svc.Status, want svc.State) error {
	timeout := time.Now().Add(serviceWaitTimeout)
	for status.State != want {
		if status.State == svc.Stopped && want == svc.Running {
			return fmt.Errorf("service stopped while starting (exit code %d)", status.Win32ExitCode)
		}
		if time.Now().After(timeout) {
			return fmt.Errorf("timeout waiting for service state %d", want)
		}
		if err := sleepCtx(ctx, servicePoll); err != nil {
			return err
		}
		var err error
		status, err = service.Query()
		if err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}
	}
	return nil
}
