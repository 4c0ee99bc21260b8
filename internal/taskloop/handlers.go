package taskloop

import (
	"context"
	"errors"

	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/pkg/api"
)

// taskHandler executes one task. A nil result means the handler reports
// through another path and no task result is posted.
type taskHandler func(ctx context.Context, r *Runner, ep Endpoint, task api.Task, st *iterationState) *api.TaskResult

// handlerRegistry maps commands to their handlers. It is only read after
// package init.
var handlerRegistry = map[api.Command]taskHandler{
	api.CommandUpdatePackage:    handleUpdatePackage,
	api.CommandUninstallPackage: handleUninstallPackage,
	api.CommandForceReport:      handleForceReport,
	api.CommandSelfUpdate:       handleSelfUpdate,
}

func handleUpdatePackage(ctx context.Context, r *Runner, ep Endpoint, task api.Task, st *iterationState) *api.TaskResult {
	p, _ := task.Payload.(api.PackagePayload)
	out, err := r.opts.Packages.Upgrade(ctx, p.PackageID)
	return packageResult(out, err)
}

func handleUninstallPackage(ctx context.Context, r *Runner, ep Endpoint, task api.Task, st *iterationState) *api.TaskResult {
	p, _ := task.Payload.(api.PackagePayload)
	out, err := r.opts.Packages.Uninstall(ctx, p.PackageID)
	return packageResult(out, err)
}

func packageResult(out string, err error) *api.TaskResult {
	if err == nil {
		return &api.TaskResult{Status: api.StatusCompleted, Details: out}
	}
	var cmdErr *executor.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Output != "" {
		return &api.TaskResult{Status: api.StatusFailed, Details: cmdErr.Error() + "\n" + cmdErr.Output}
	}
	return &api.TaskResult{Status: api.StatusFailed, Details: err.Error()}
}

func handleForceReport(ctx context.Context, r *Runner, ep Endpoint, task api.Task, st *iterationState) *api.TaskResult {
	if err := r.sendReport(ctx); err != nil {
		return &api.TaskResult{Status: api.StatusFailed, Details: err.Error()}
	}
	st.reported = true
	return &api.TaskResult{Status: api.StatusCompleted}
}

// handleSelfUpdate never posts a task result. The updater reports failures
// and the new agent reports success through the update status endpoint.
func handleSelfUpdate(ctx context.Context, r *Runner, ep Endpoint, task api.Task, st *iterationState) *api.TaskResult {
	p, ok := task.Payload.(api.SelfUpdatePayload)
	if !ok {
		return nil
	}
	hostname := r.opts.Inventory.Hostname()

	if p.Version == r.opts.Version {
		// The running binary is already the target. While the health flag is
		// present the end-of-iteration confirmation sends the one report.
		if r.healthFlagPresent() {
			return nil
		}
		log.Info("self-update target already running, confirming", "version", p.Version)
		r.reportUpdateStatus(ctx, []Endpoint{ep}, api.UpdateStatusReport{
			Hostname: hostname,
			Status:   api.UpdateSuccessPending,
			Details:  "agent " + p.Version + " already installed",
		})
		return nil
	}

	if r.updateLocked() {
		log.Info("update already in progress, skipping hand-off", "version", p.Version)
		return nil
	}

	log.Info("handing off self-update", "from", r.opts.Version, "to", p.Version)
	if err := r.opts.Updater.Launch(ctx, p); err != nil {
		log.Error("launch updater failed", "error", err)
		r.reportUpdateStatus(ctx, []Endpoint{ep}, api.UpdateStatusReport{
			Hostname: hostname,
			Status:   api.UpdateFailed,
			Details:  "launch updater: " + err.Error(),
		})
	}
	return nil
}
