package taskloop

import (
	"context"
	"fmt"
	"time"

	"github.com/wingetdash/fleet/internal/config"
	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/ipc"
	"github.com/wingetdash/fleet/internal/winget"
)

const (
	helperPingTimeout = 2 * time.Second
	// noticeTimeout bounds the wait for the user to dismiss a failure notice.
	noticeTimeout = 5 * time.Second
)

// HelperClient is the subset of *ipc.Client used to run packages in the
// user session.
type HelperClient interface {
	Do(ctx context.Context, req ipc.Request) (*ipc.Response, error)
	Ping(ctx context.Context) error
}

// PackageExec picks where winget runs according to the configured mode.
// In auto mode the helper is pinged before every command and the local
// executor is used when it does not answer.
func PackageExec(mode string, local winget.ExecFunc, helper HelperClient) winget.ExecFunc {
	viaHelper := HelperExec(helper)
	switch mode {
	case config.ExecModeSystem:
		return local
	case config.ExecModeUser:
		return viaHelper
	}
	return func(ctx context.Context, name string, args []string, timeout time.Duration) (*executor.Result, error) {
		pingCtx, cancel := context.WithTimeout(ctx, helperPingTimeout)
		err := helper.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Debug("user helper not reachable, running locally", "error", err)
			return local(ctx, name, args, timeout)
		}
		return viaHelper(ctx, name, args, timeout)
	}
}

// HelperExec runs the command through the helper's execute_command. The
// helper decides success itself, so the result carries exit code 0 or 1.
// A failed command also puts an info notice on the user's desktop.
func HelperExec(helper HelperClient) winget.ExecFunc {
	return func(ctx context.Context, name string, args []string, timeout time.Duration) (*executor.Result, error) {
		start := time.Now()
		line := winget.CommandLine(name, args)
		req := ipc.ExecuteRequest(line, int(timeout.Seconds()))

		// The helper enforces the command timeout. Allow it time to answer.
		callCtx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
		defer cancel()

		resp, err := helper.Do(callCtx, req)
		if err != nil {
			return nil, fmt.Errorf("user helper: %w", err)
		}
		res := &executor.Result{Stdout: resp.Details, Duration: time.Since(start)}
		if resp.Status != ipc.StatusSuccess {
			res.ExitCode = 1
			notifyFailure(ctx, helper, line)
		}
		return res, nil
	}
}

// notifyFailure tells the logged-on user a package command failed. The
// notice is best effort: the call gives up after noticeTimeout and the
// dialog stays up on its own.
func notifyFailure(ctx context.Context, helper HelperClient, commandLine string) {
	nctx, cancel := context.WithTimeout(ctx, noticeTimeout)
	defer cancel()
	req := ipc.InfoRequest("Winget Fleet", "A software change could not be completed:\n"+commandLine, "")
	if _, err := helper.Do(nctx, req); err != nil {
		log.Debug("failure notice not acknowledged", "error", err)
	}
}
