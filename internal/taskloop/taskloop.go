// Package taskloop is the agent's polling loop: it fetches tasks from every
// configured server, executes them and reports the results back.
package taskloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/wingetdash/fleet/internal/health"
	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("taskloop")

// Per-call timeouts against a single endpoint.
const (
	fetchTimeout     = 15 * time.Second
	reportTimeout    = 10 * time.Second
	inventoryTimeout = 30 * time.Second
)

// maxDetails bounds the command output attached to a task result.
const maxDetails = 32 * 1024

// Endpoint is one fleet server. *api.Client satisfies it.
type Endpoint interface {
	BaseURL() string
	FetchTasks(ctx context.Context, hostname string) ([]api.Task, error)
	ReportResult(ctx context.Context, result api.TaskResult) error
	SendReport(ctx context.Context, report *api.InventoryReport) error
	ReportUpdateStatus(ctx context.Context, report api.UpdateStatusReport) error
	Blacklist(ctx context.Context) ([]string, error)
}

// Packages runs package commands. *winget.Client satisfies it.
type Packages interface {
	Upgrade(ctx context.Context, id string) (string, error)
	Uninstall(ctx context.Context, id string) (string, error)
}

// Inventory builds inventory reports. *inventory.Collector satisfies it.
type Inventory interface {
	Hostname() string
	Collect(ctx context.Context, extraBlacklist []string) (*api.InventoryReport, error)
}

// Updater hands a self-update off to a separate process.
type Updater interface {
	Launch(ctx context.Context, p api.SelfUpdatePayload) error
}

// Options configures a Runner.
type Options struct {
	Endpoints []Endpoint
	Packages  Packages
	Inventory Inventory
	Updater   Updater
	Health    *health.Monitor

	Version            string
	Interval           time.Duration
	ErrorBackoff       time.Duration
	FullReportInterval int

	HealthFlagPath string
	UpdateLockPath string
	// UpdateLockTTL is how long an update.lock blocks a new hand-off.
	UpdateLockTTL time.Duration
	StatusPath    string
}

// Runner is the agent task loop.
type Runner struct {
	opts      Options
	iteration int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
}

// iterationState is reset at the start of every RunOnce.
type iterationState struct {
	fetched  bool
	reported bool
}

func New(opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 10 * time.Second
	}
	if opts.FullReportInterval <= 0 {
		opts.FullReportInterval = 60
	}
	if opts.UpdateLockTTL <= 0 {
		opts.UpdateLockTTL = 15 * time.Minute
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	return &Runner{opts: opts, now: time.Now, sleep: sleepCtx}
}

// Run loops until ctx is cancelled. Errors and panics inside an iteration
// are logged and followed by the error backoff; they never end the loop.
func (r *Runner) Run(ctx context.Context) error {
	log.Info("task loop started",
		"endpoints", len(r.opts.Endpoints),
		"interval", r.opts.Interval,
		"fullReportInterval", r.opts.FullReportInterval)

	for {
		wait := r.opts.Interval
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("task loop iteration failed", "error", err, "backoff", r.opts.ErrorBackoff)
			wait = r.opts.ErrorBackoff
		}
		if !r.sleep(ctx, wait) {
			break
		}
	}

	log.Info("task loop stopped")
	return nil
}

// RunOnce performs one iteration. A panic is recovered and returned as an
// error.
func (r *Runner) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in task loop: %v", rec)
			log.Error("recovered panic in task loop", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()

	r.iteration++
	st := &iterationState{}
	hostname := r.opts.Inventory.Hostname()

	for _, ep := range r.opts.Endpoints {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.pollEndpoint(ctx, ep, hostname, st)
	}

	if !st.reported && (r.iteration == 1 || r.iteration%r.opts.FullReportInterval == 0) {
		if err := r.sendReport(ctx); err != nil {
			log.Warn("scheduled inventory report failed", "error", err)
		}
	}

	if st.fetched {
		r.confirmUpdate(ctx, hostname)
	}

	if r.opts.StatusPath != "" {
		if err := r.opts.Health.WriteFile(r.opts.StatusPath, r.opts.Version); err != nil {
			log.Debug("status snapshot not written", "error", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) pollEndpoint(ctx context.Context, ep Endpoint, hostname string, st *iterationState) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	tasks, err := ep.FetchTasks(fetchCtx, hostname)
	cancel()
	if err != nil {
		r.opts.Health.Failure(ep.BaseURL(), err)
		log.Warn("fetch tasks failed", logging.KeyEndpoint, ep.BaseURL(), "error", err)
		return
	}
	r.opts.Health.Success(ep.BaseURL())
	st.fetched = true

	if len(tasks) > 0 {
		log.Info("fetched tasks", logging.KeyEndpoint, ep.BaseURL(), "count", len(tasks))
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		result := r.dispatch(ctx, ep, task, st)
		if result == nil {
			continue
		}
		r.reportResult(ctx, ep, *result)
	}
}

func (r *Runner) dispatch(ctx context.Context, ep Endpoint, task api.Task, st *iterationState) *api.TaskResult {
	tlog := logging.WithTask(log, task.ID, string(task.Command))
	start := r.now()

	handler, ok := handlerRegistry[task.Command]
	if !ok {
		tlog.Warn("unknown command")
		return &api.TaskResult{TaskID: task.ID, Status: api.StatusFailed, Details: "unknown command"}
	}
	if err := task.PayloadError(); err != nil {
		tlog.Warn("invalid task payload", "error", err)
		return &api.TaskResult{TaskID: task.ID, Status: api.StatusFailed, Details: err.Error()}
	}

	tlog.Info("processing task")
	result := handler(ctx, r, ep, task, st)
	if result != nil {
		result.TaskID = task.ID
		result.Details = truncate(result.Details, maxDetails)
		tlog.Info("task finished", "status", string(result.Status), logging.KeyDurationMs, r.now().Sub(start).Milliseconds())
	}
	return result
}

func (r *Runner) reportResult(ctx context.Context, ep Endpoint, result api.TaskResult) {
	reportCtx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if err := ep.ReportResult(reportCtx, result); err != nil {
		if !api.IsUnreachable(err) {
			// The server is up but refused the result, typically because
			// the task was already closed.
			log.Warn("task result rejected", logging.KeyEndpoint, ep.BaseURL(),
				logging.KeyTaskID, result.TaskID, "error", err)
			return
		}
		r.opts.Health.Failure(ep.BaseURL(), err)
		log.Error("report task result failed", logging.KeyEndpoint, ep.BaseURL(),
			logging.KeyTaskID, result.TaskID, "status", string(result.Status), "error", err)
		return
	}
	log.Debug("task result reported", logging.KeyEndpoint, ep.BaseURL(), logging.KeyTaskID, result.TaskID)
}

// sendReport collects one snapshot and posts it to every endpoint. It fails
// only when collection fails or no endpoint accepted the report.
func (r *Runner) sendReport(ctx context.Context) error {
	var extra []string
	for _, ep := range r.opts.Endpoints {
		blCtx, cancel := context.WithTimeout(ctx, reportTimeout)
		keywords, err := ep.Blacklist(blCtx)
		cancel()
		if err != nil {
			log.Debug("blacklist fetch failed", logging.KeyEndpoint, ep.BaseURL(), "error", err)
			continue
		}
		extra = append(extra, keywords...)
	}

	report, err := r.opts.Inventory.Collect(ctx, extra)
	if err != nil {
		return fmt.Errorf("collect inventory: %w", err)
	}

	var errs []error
	for _, ep := range r.opts.Endpoints {
		sendCtx, cancel := context.WithTimeout(ctx, inventoryTimeout)
		err := ep.SendReport(sendCtx, report)
		cancel()
		if err != nil {
			log.Error("send inventory failed", logging.KeyEndpoint, ep.BaseURL(), "error", err)
			errs = append(errs, err)
			continue
		}
		log.Info("inventory sent", logging.KeyEndpoint, ep.BaseURL())
	}
	if len(errs) == len(r.opts.Endpoints) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// confirmUpdate finishes the verifying stage of a self-update. A freshly
// swapped binary finds the health flag, and once it has talked to a server
// it reports success and clears the flag, which tells the waiting updater
// to commit.
func (r *Runner) confirmUpdate(ctx context.Context, hostname string) {
	if r.opts.HealthFlagPath == "" {
		return
	}
	if _, err := os.Stat(r.opts.HealthFlagPath); err != nil {
		return
	}

	log.Info("health check flag found, confirming update", "version", r.opts.Version)
	status := api.UpdateStatusReport{
		Hostname: hostname,
		Status:   api.UpdateSuccessPending,
		Details:  "agent " + r.opts.Version + " is running",
	}
	if !r.reportUpdateStatus(ctx, r.opts.Endpoints, status) {
		log.Warn("update confirmation not delivered, keeping health check flag")
		return
	}
	if err := os.Remove(r.opts.HealthFlagPath); err != nil && !os.IsNotExist(err) {
		log.Error("remove health check flag failed", "error", err)
	}
}

// reportUpdateStatus posts to each endpoint and reports whether any accepted.
func (r *Runner) reportUpdateStatus(ctx context.Context, eps []Endpoint, status api.UpdateStatusReport) bool {
	delivered := false
	for _, ep := range eps {
		reportCtx, cancel := context.WithTimeout(ctx, reportTimeout)
		err := ep.ReportUpdateStatus(reportCtx, status)
		cancel()
		if err != nil {
			log.Error("report update status failed", logging.KeyEndpoint, ep.BaseURL(), "status", string(status.Status), "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

func (r *Runner) updateLocked() bool {
	if r.opts.UpdateLockPath == "" {
		return false
	}
	fi, err := os.Stat(r.opts.UpdateLockPath)
	if err != nil {
		return false
	}
	return r.now().Sub(fi.ModTime()) < r.opts.UpdateLockTTL
}

func (r *Runner) healthFlagPresent() bool {
	if r.opts.HealthFlagPath == "" {
		return false
	}
	_, err := os.Stat(r.opts.HealthFlagPath)
	return err == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
