// Package updater replaces the installed agent with a new bundle, restarts
// the service, waits for the new agent to confirm it is healthy and rolls
// back to the previous binaries on any failure.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("updater")

// Stage is a step of the update state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageDownloading
	StageReplacing
	StageRestarting
	StageVerifying
	StageCommitted
	StageRolledBack
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageDownloading:
		return "downloading"
	case StageReplacing:
		return "replacing"
	case StageRestarting:
		return "restarting"
	case StageVerifying:
		return "verifying"
	case StageCommitted:
		return "committed"
	case StageRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Defaults for Options fields left zero.
const (
	DefaultReplaceAttempts = 5
	DefaultReplaceDelay    = 2 * time.Second
	DefaultVerifyTimeout   = 5 * time.Minute
	DefaultPollInterval    = 2 * time.Second
	DefaultLockTTL         = 15 * time.Minute

	reportTimeout = 10 * time.Second
)

// ServiceManager stops and starts the agent service.
type ServiceManager interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Downloader fetches a bundle. *api.Client satisfies it.
type Downloader interface {
	BaseURL() string
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// StatusReporter receives the outcome of an update. *api.Client satisfies it.
type StatusReporter interface {
	BaseURL() string
	ReportUpdateStatus(ctx context.Context, report api.UpdateStatusReport) error
}

// Options configures an Orchestrator.
type Options struct {
	Hostname   string
	InstallDir string
	StagingDir string
	// Executables are the file names replaced inside InstallDir.
	Executables []string

	HealthFlagPath string
	LockPath       string
	LockTTL        time.Duration

	Service     ServiceManager
	Downloaders []Downloader
	Reporters   []StatusReporter

	ReplaceAttempts int
	ReplaceDelay    time.Duration
	VerifyTimeout   time.Duration
	PollInterval    time.Duration
}

// Orchestrator runs one update.
type Orchestrator struct {
	opts  Options
	stage Stage
	// touched lists the executables this run has backed up and started to
	// overwrite. A failed run restores only these.
	touched []string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	copy  func(src, dst string) error
}

func New(opts Options) *Orchestrator {
	if len(opts.Executables) == 0 {
		opts.Executables = ManagedExecutables()
	}
	if opts.ReplaceAttempts <= 0 {
		opts.ReplaceAttempts = DefaultReplaceAttempts
	}
	if opts.ReplaceDelay < 0 {
		opts.ReplaceDelay = 0
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.HealthFlagPath == "" {
		opts.HealthFlagPath = filepath.Join(opts.InstallDir, "health_check.flag")
	}
	if opts.LockPath == "" {
		opts.LockPath = filepath.Join(opts.InstallDir, "update.lock")
	}
	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(opts.InstallDir, "staging")
	}
	return &Orchestrator{
		opts:  opts,
		now:   time.Now,
		sleep: sleepCtx,
		copy:  copyFile,
	}
}

// ManagedExecutables returns the agent and helper file names for this OS.
func ManagedExecutables() []string {
	return []string{exeName("fleet-agent"), exeName("fleet-helper")}
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() Stage { return o.stage }

// Run performs the update described by p. It returns nil once the new agent
// has confirmed itself healthy. Every failure is reported to all endpoints
// exactly once before Run returns it as a *StageError.
func (o *Orchestrator) Run(ctx context.Context, p api.SelfUpdatePayload) error {
	if err := writeLock(o.opts.LockPath, o.opts.LockTTL, o.now()); err != nil {
		return err
	}
	defer os.Remove(o.opts.LockPath)

	log.Info("starting update", "targetVersion", p.Version)

	o.stage = StageDownloading
	newDir, err := o.download(ctx, p)
	if err != nil {
		serr := &StageError{Stage: StageDownloading, Err: fmt.Errorf("%w: %w", ErrDownloadFailed, err)}
		o.stage = StageIdle
		os.RemoveAll(o.opts.StagingDir)
		o.reportFailure(ctx, serr)
		return serr
	}

	o.removeBackups()
	o.touched = nil
	if err := o.install(ctx, newDir); err != nil {
		return o.fail(ctx, err)
	}

	o.stage = StageVerifying
	if err := o.verify(ctx); err != nil {
		return o.fail(ctx, err)
	}

	o.stage = StageCommitted
	log.Info("update committed", "version", p.Version)
	o.Cleanup()
	return nil
}

// install stops the service, swaps the binaries and starts the service again.
func (o *Orchestrator) install(ctx context.Context, newDir string) error {
	o.stage = StageReplacing
	if err := o.opts.Service.Stop(ctx); err != nil {
		log.Warn("stopping service failed, replacing anyway", logging.KeyError, err.Error())
	}

	for _, name := range o.opts.Executables {
		if err := o.replace(ctx, name, filepath.Join(newDir, name), filepath.Join(o.opts.InstallDir, name)); err != nil {
			return err
		}
	}

	if err := os.WriteFile(o.opts.HealthFlagPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: write health flag: %w", ErrReplaceFailed, err)
	}

	o.stage = StageRestarting
	if err := o.opts.Service.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	return nil
}

// replace backs up dst and moves src into its place.
func (o *Orchestrator) replace(ctx context.Context, name, src, dst string) error {
	if fileExists(dst) {
		err := retry(ctx, o.opts.ReplaceAttempts, o.opts.ReplaceDelay, o.sleep, func() error {
			return o.copy(dst, backupPath(dst))
		})
		if err != nil {
			return fmt.Errorf("%w: back up %s: %w", ErrReplaceFailed, filepath.Base(dst), err)
		}
	} else {
		log.Warn("managed file not installed, nothing to back up", "file", dst)
	}
	o.touched = append(o.touched, name)

	err := retry(ctx, o.opts.ReplaceAttempts, o.opts.ReplaceDelay, o.sleep, func() error {
		return o.copy(src, dst)
	})
	if err != nil {
		return fmt.Errorf("%w: install %s: %w", ErrReplaceFailed, filepath.Base(dst), err)
	}
	log.Info("installed new file", "file", dst)
	return nil
}

// verify waits for the new agent to remove the health flag.
func (o *Orchestrator) verify(ctx context.Context) error {
	deadline := o.now().Add(o.opts.VerifyTimeout)
	for {
		if !fileExists(o.opts.HealthFlagPath) {
			return nil
		}
		if !o.now().Before(deadline) {
			return fmt.Errorf("%w within %s", ErrVerifyFailed, o.opts.VerifyTimeout)
		}
		if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
			return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
		}
	}
}

// fail rolls back and reports the failure.
func (o *Orchestrator) fail(ctx context.Context, cause error) error {
	failed := o.stage
	log.Error("update failed, rolling back", "stage", failed.String(), logging.KeyError, cause.Error())

	// The rollback must finish even if the caller gave up.
	rbCtx := context.WithoutCancel(ctx)
	serr := &StageError{Stage: failed, Err: cause, RollbackErr: o.restore(rbCtx, o.touched)}
	o.reportFailure(rbCtx, serr)
	return serr
}

// Rollback restores every managed file from its backup, removes the health
// flag and starts the service. Files without a backup are skipped and make
// the result ErrRollbackIncomplete. Running it twice is harmless.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	return o.restore(ctx, o.opts.Executables)
}

func (o *Orchestrator) restore(ctx context.Context, names []string) error {
	if err := o.opts.Service.Stop(ctx); err != nil {
		log.Warn("stopping service before rollback failed", logging.KeyError, err.Error())
	}

	var missing []string
	var errs []error
	for _, name := range names {
		dst := filepath.Join(o.opts.InstallDir, name)
		bak := backupPath(dst)
		if !fileExists(bak) {
			log.Warn("no backup to restore", "file", bak)
			missing = append(missing, name)
			continue
		}
		err := retry(ctx, o.opts.ReplaceAttempts, o.opts.ReplaceDelay, o.sleep, func() error {
			return o.copy(bak, dst)
		})
		if err != nil {
			log.Error("restore failed", "file", dst, logging.KeyError, err.Error())
			errs = append(errs, fmt.Errorf("restore %s: %w", name, err))
			continue
		}
		log.Info("restored from backup", "file", dst)
	}

	if err := os.Remove(o.opts.HealthFlagPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("removing health flag failed", logging.KeyError, err.Error())
	}

	if len(errs) == 0 {
		if err := o.opts.Service.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start service: %w", err))
		}
	} else {
		log.Error("not starting service, restore incomplete")
	}

	o.stage = StageRolledBack
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: no backup for %s", ErrRollbackIncomplete, strings.Join(missing, ", ")))
	}
	return errors.Join(errs...)
}

// Cleanup removes backups and the staging dir. Failures are only logged.
func (o *Orchestrator) Cleanup() {
	o.removeBackups()
	if err := os.RemoveAll(o.opts.StagingDir); err != nil {
		log.Warn("removing staging dir failed", logging.KeyError, err.Error())
	}
}

// removeBackups deletes the .bak file of every managed executable.
func (o *Orchestrator) removeBackups() {
	for _, name := range o.opts.Executables {
		bak := backupPath(filepath.Join(o.opts.InstallDir, name))
		if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("removing backup failed", "file", bak, logging.KeyError, err.Error())
		}
	}
}

func (o *Orchestrator) reportFailure(ctx context.Context, serr *StageError) {
	o.report(ctx, api.UpdateStatusReport{
		Hostname: o.opts.Hostname,
		Status:   api.UpdateFailed,
		Details:  serr.Error(),
	})
}

// report posts to every endpoint and returns how many accepted it.
func (o *Orchestrator) report(ctx context.Context, rep api.UpdateStatusReport) int {
	delivered := 0
	for _, r := range o.opts.Reporters {
		rctx, cancel := context.WithTimeout(ctx, reportTimeout)
		err := r.ReportUpdateStatus(rctx, rep)
		cancel()
		if err != nil {
			log.Warn("reporting update status failed",
				logging.KeyEndpoint, r.BaseURL(),
				logging.KeyError, err.Error())
			continue
		}
		delivered++
	}
	if delivered == 0 && len(o.opts.Reporters) > 0 {
		log.Error("update status reached no endpoint", "status", string(rep.Status))
	}
	return delivered
}

func exeName(base string) string {
	if exeSuffix == "" || strings.HasSuffix(base, exeSuffix) {
		return base
	}
	return base + exeSuffix
}
