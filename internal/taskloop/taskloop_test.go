package taskloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wingetdash/fleet/internal/executor"
	"github.com/wingetdash/fleet/internal/health"
	"github.com/wingetdash/fleet/internal/ipc"
	"github.com/wingetdash/fleet/pkg/api"
)

type fakeEndpoint struct {
	mu        sync.Mutex
	url       string
	tasks     []api.Task
	fetchErr  error
	sendErr   error
	resultErr error

	results  []api.TaskResult
	reports  []*api.InventoryReport
	statuses []api.UpdateStatusReport
	fetches  int
}

func (f *fakeEndpoint) BaseURL() string { return f.url }

func (f *fakeEndpoint) FetchTasks(ctx context.Context, hostname string) ([]api.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	tasks := f.tasks
	f.tasks = nil
	return tasks, nil
}

func (f *fakeEndpoint) ReportResult(ctx context.Context, result api.TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return f.resultErr
}

func (f *fakeEndpoint) SendReport(ctx context.Context, report *api.InventoryReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeEndpoint) ReportUpdateStatus(ctx context.Context, report api.UpdateStatusReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.statuses = append(f.statuses, report)
	return nil
}

func (f *fakeEndpoint) Blacklist(ctx context.Context) ([]string, error) {
	return []string{"teams"}, nil
}

type fakePackages struct {
	upgraded    []string
	uninstalled []string
	err         error
	out         string
}

func (f *fakePackages) Upgrade(ctx context.Context, id string) (string, error) {
	f.upgraded = append(f.upgraded, id)
	return f.out, f.err
}

func (f *fakePackages) Uninstall(ctx context.Context, id string) (string, error) {
	f.uninstalled = append(f.uninstalled, id)
	return f.out, f.err
}

type fakeInventory struct {
	collected int
	extra     []string
	panic     bool
}

func (f *fakeInventory) Hostname() string { return "pc-01" }

func (f *fakeInventory) Collect(ctx context.Context, extra []string) (*api.InventoryReport, error) {
	if f.panic {
		panic("collector exploded")
	}
	f.collected++
	f.extra = extra
	return &api.InventoryReport{Hostname: "pc-01"}, nil
}

type fakeUpdater struct {
	launched []api.SelfUpdatePayload
	err      error
}

func (f *fakeUpdater) Launch(ctx context.Context, p api.SelfUpdatePayload) error {
	f.launched = append(f.launched, p)
	return f.err
}

type fixture struct {
	runner  *Runner
	eps     []*fakeEndpoint
	pkgs    *fakePackages
	inv     *fakeInventory
	updater *fakeUpdater
	dir     string
}

func newFixture(t *testing.T, eps ...*fakeEndpoint) *fixture {
	t.Helper()
	if len(eps) == 0 {
		eps = []*fakeEndpoint{{url: "https://a"}}
	}
	f := &fixture{
		eps:     eps,
		pkgs:    &fakePackages{},
		inv:     &fakeInventory{},
		updater: &fakeUpdater{},
		dir:     t.TempDir(),
	}
	endpoints := make([]Endpoint, len(eps))
	for i, ep := range eps {
		endpoints[i] = ep
	}
	f.runner = New(Options{
		Endpoints:          endpoints,
		Packages:           f.pkgs,
		Inventory:          f.inv,
		Updater:            f.updater,
		Version:            "1.0.0",
		FullReportInterval: 5,
		HealthFlagPath:     filepath.Join(f.dir, "health_check.flag"),
		UpdateLockPath:     filepath.Join(f.dir, "update.lock"),
		StatusPath:         filepath.Join(f.dir, "status.json"),
	})
	return f
}

func pkgTask(id int64, cmd api.Command, pkg string) api.Task {
	return api.Task{ID: id, Command: cmd, Payload: api.PackagePayload{PackageID: pkg}}
}

func selfUpdateTask(id int64, version string) api.Task {
	return api.Task{ID: id, Command: api.CommandSelfUpdate, Payload: api.SelfUpdatePayload{URL: "/api/agent/bundle/" + version, Version: version}}
}

func TestRunOnceDispatchesAndReportsEachTask(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{
		pkgTask(1, api.CommandUpdatePackage, "Mozilla.Firefox"),
		pkgTask(2, api.CommandUninstallPackage, "7zip.7zip"),
	}}
	f := newFixture(t, ep)
	f.pkgs.out = "ok"

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(f.pkgs.upgraded) != 1 || f.pkgs.upgraded[0] != "Mozilla.Firefox" {
		t.Errorf("upgraded = %v", f.pkgs.upgraded)
	}
	if len(f.pkgs.uninstalled) != 1 || f.pkgs.uninstalled[0] != "7zip.7zip" {
		t.Errorf("uninstalled = %v", f.pkgs.uninstalled)
	}
	if len(ep.results) != 2 {
		t.Fatalf("results = %+v, want 2", ep.results)
	}
	for i, res := range ep.results {
		if res.TaskID != int64(i+1) || res.Status != api.StatusCompleted || res.Details != "ok" {
			t.Errorf("result[%d] = %+v", i, res)
		}
	}
}

func TestPackageFailureReportsOutput(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{pkgTask(7, api.CommandUpdatePackage, "Bad.Pkg")}}
	f := newFixture(t, ep)
	f.pkgs.err = &executor.CommandError{Op: "winget upgrade", ExitCode: 1, Output: "No package found"}

	f.runner.RunOnce(context.Background())

	if len(ep.results) != 1 || ep.results[0].Status != api.StatusFailed {
		t.Fatalf("results = %+v", ep.results)
	}
	if !strings.Contains(ep.results[0].Details, "No package found") {
		t.Errorf("Details = %q", ep.results[0].Details)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{{ID: 3, Command: "reboot"}}}
	f := newFixture(t, ep)
	f.runner.RunOnce(context.Background())

	if len(ep.results) != 1 || ep.results[0].Status != api.StatusFailed || ep.results[0].Details != "unknown command" {
		t.Fatalf("results = %+v", ep.results)
	}
}

func TestFetchFailureDoesNotBlockOtherEndpoints(t *testing.T) {
	bad := &fakeEndpoint{url: "https://down", fetchErr: api.ErrNetworkUnavailable}
	good := &fakeEndpoint{url: "https://up", tasks: []api.Task{pkgTask(1, api.CommandUpdatePackage, "A.B")}}
	f := newFixture(t, bad, good)

	if err := f.runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(good.results) != 1 {
		t.Fatalf("good endpoint results = %+v", good.results)
	}
	if c, _ := f.runner.opts.Health.Get("https://down"); c.Status != health.Degraded {
		t.Errorf("down endpoint status = %q", c.Status)
	}
	if c, _ := f.runner.opts.Health.Get("https://up"); c.Status != health.Healthy {
		t.Errorf("up endpoint status = %q", c.Status)
	}
}

func TestRejectedResultKeepsEndpointHealthy(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{pkgTask(1, api.CommandUpdatePackage, "A.B")}}
	ep.resultErr = &api.StatusError{Op: "report task result", StatusCode: 409, Message: "task already completed"}
	f := newFixture(t, ep)

	f.runner.RunOnce(context.Background())
	if len(ep.results) != 1 {
		t.Fatalf("results = %+v", ep.results)
	}
	if c, _ := f.runner.opts.Health.Get("https://a"); c.Status != health.Healthy {
		t.Fatalf("status after 409 = %q, want healthy", c.Status)
	}

	ep.tasks = []api.Task{pkgTask(2, api.CommandUpdatePackage, "A.B")}
	ep.resultErr = &api.StatusError{Op: "report task result", StatusCode: 503}
	f.runner.RunOnce(context.Background())
	if c, _ := f.runner.opts.Health.Get("https://a"); c.Status != health.Degraded {
		t.Fatalf("status after 503 = %q, want degraded", c.Status)
	}
}

func TestFullReportEveryNIterations(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.runner.RunOnce(context.Background())
	}
	// iterations 1, 5 and 10
	if f.inv.collected != 3 {
		t.Fatalf("collected %d times, want 3", f.inv.collected)
	}
	if len(f.eps[0].reports) != 3 {
		t.Errorf("reports sent = %d", len(f.eps[0].reports))
	}
	if len(f.inv.extra) != 1 || f.inv.extra[0] != "teams" {
		t.Errorf("server blacklist not passed: %v", f.inv.extra)
	}
}

func TestForceReportReplacesScheduledReport(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{{ID: 9, Command: api.CommandForceReport, Payload: api.ReportPayload{}}}}
	f := newFixture(t, ep)
	f.runner.RunOnce(context.Background())

	if f.inv.collected != 1 {
		t.Errorf("collected %d times, want 1", f.inv.collected)
	}
	if len(ep.results) != 1 || ep.results[0].Status != api.StatusCompleted {
		t.Fatalf("results = %+v", ep.results)
	}
}

func TestForceReportFailsWhenNoEndpointAccepts(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", sendErr: errors.New("503"), tasks: []api.Task{{ID: 9, Command: api.CommandForceReport, Payload: api.ReportPayload{}}}}
	f := newFixture(t, ep)
	f.runner.RunOnce(context.Background())

	if len(ep.results) != 1 || ep.results[0].Status != api.StatusFailed {
		t.Fatalf("results = %+v", ep.results)
	}
}

func TestSelfUpdateHandsOffWithoutResult(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{selfUpdateTask(4, "2.0.0")}}
	f := newFixture(t, ep)
	f.runner.RunOnce(context.Background())

	if len(f.updater.launched) != 1 || f.updater.launched[0].Version != "2.0.0" {
		t.Fatalf("launched = %+v", f.updater.launched)
	}
	if len(ep.results) != 0 {
		t.Errorf("self_update must not report a task result: %+v", ep.results)
	}
	if len(ep.statuses) != 0 {
		t.Errorf("no status until the updater reports: %+v", ep.statuses)
	}
}

func TestSelfUpdateSkippedWhileLocked(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{selfUpdateTask(4, "2.0.0")}}
	f := newFixture(t, ep)
	if err := os.WriteFile(f.runner.opts.UpdateLockPath, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.runner.RunOnce(context.Background())
	if len(f.updater.launched) != 0 {
		t.Fatal("updater launched while lock is fresh")
	}

	old := time.Now().Add(-time.Hour)
	os.Chtimes(f.runner.opts.UpdateLockPath, old, old)
	ep.tasks = []api.Task{selfUpdateTask(4, "2.0.0")}
	f.runner.RunOnce(context.Background())
	if len(f.updater.launched) != 1 {
		t.Fatal("stale lock should not block the hand-off")
	}
}

func TestSelfUpdateLaunchFailureReportsFailed(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{selfUpdateTask(4, "2.0.0")}}
	f := newFixture(t, ep)
	f.updater.err = errors.New("fleet-updater.exe missing")
	f.runner.RunOnce(context.Background())

	if len(ep.statuses) != 1 || ep.statuses[0].Status != api.UpdateFailed {
		t.Fatalf("statuses = %+v", ep.statuses)
	}
}

func TestSelfUpdateSameVersionConfirmsDirectly(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", tasks: []api.Task{selfUpdateTask(4, "1.0.0")}}
	f := newFixture(t, ep)
	f.runner.RunOnce(context.Background())

	if len(f.updater.launched) != 0 {
		t.Error("same version must not launch the updater")
	}
	if len(ep.statuses) != 1 || ep.statuses[0].Status != api.UpdateSuccessPending || ep.statuses[0].Hostname != "pc-01" {
		t.Fatalf("statuses = %+v", ep.statuses)
	}
}

func TestHealthFlagConfirmedOnceAndCleared(t *testing.T) {
	a := &fakeEndpoint{url: "https://a", tasks: []api.Task{selfUpdateTask(4, "1.0.0")}}
	b := &fakeEndpoint{url: "https://b"}
	f := newFixture(t, a, b)
	if err := os.WriteFile(f.runner.opts.HealthFlagPath, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	f.runner.RunOnce(context.Background())

	if _, err := os.Stat(f.runner.opts.HealthFlagPath); !os.IsNotExist(err) {
		t.Fatal("health flag should be removed")
	}
	// One confirmation per endpoint, none from the same-version shortcut.
	if len(a.statuses) != 1 || len(b.statuses) != 1 {
		t.Fatalf("statuses a=%+v b=%+v", a.statuses, b.statuses)
	}
	if a.statuses[0].Status != api.UpdateSuccessPending {
		t.Errorf("status = %q", a.statuses[0].Status)
	}

	f.runner.RunOnce(context.Background())
	if len(a.statuses) != 1 {
		t.Error("confirmation must not repeat once the flag is gone")
	}
}

func TestHealthFlagKeptWhenNoFetchSucceeded(t *testing.T) {
	ep := &fakeEndpoint{url: "https://a", fetchErr: api.ErrNetworkUnavailable}
	f := newFixture(t, ep)
	os.WriteFile(f.runner.opts.HealthFlagPath, []byte("1"), 0o644)

	f.runner.RunOnce(context.Background())

	if _, err := os.Stat(f.runner.opts.HealthFlagPath); err != nil {
		t.Fatal("flag must stay until a server was reached")
	}
	if len(ep.statuses) != 0 {
		t.Error("no confirmation without a successful fetch")
	}
}

func TestRunOnceRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.inv.panic = true
	err := f.runner.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestRunBacksOffAfterErrorAndStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.inv.panic = true
	f.runner.opts.FullReportInterval = 1
	f.runner.opts.Interval = time.Hour
	f.runner.opts.ErrorBackoff = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	f.runner.sleep = func(ctx context.Context, d time.Duration) bool {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return false
		}
		return true
	}

	done := make(chan struct{})
	go func() {
		f.runner.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	for _, w := range waits {
		if w != 10*time.Second {
			t.Errorf("wait = %s, want error backoff", w)
		}
	}
	if f.eps[0].fetches != 3 {
		t.Errorf("fetches = %d, want 3", f.eps[0].fetches)
	}
}

func TestStatusSnapshotWritten(t *testing.T) {
	f := newFixture(t)
	f.runner.RunOnce(context.Background())
	s, err := health.ReadFile(f.runner.opts.StatusPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if s.Status != health.Healthy || s.Version != "1.0.0" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc\n...[truncated]" {
		t.Errorf("truncate long = %q", got)
	}
}

type fakeHelper struct {
	pingErr error
	resp    *ipc.Response
	reqs    []ipc.Request
}

func (f *fakeHelper) Do(ctx context.Context, req ipc.Request) (*ipc.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, nil
}

func (f *fakeHelper) Ping(ctx context.Context) error { return f.pingErr }

func TestPackageExecModes(t *testing.T) {
	localCalls := 0
	local := func(ctx context.Context, name string, args []string, timeout time.Duration) (*executor.Result, error) {
		localCalls++
		return &executor.Result{ExitCode: 0, Stdout: "local"}, nil
	}

	helper := &fakeHelper{resp: &ipc.Response{Status: ipc.StatusSuccess, Details: "from helper"}}

	res, err := PackageExec("auto", local, helper)(context.Background(), "winget", []string{"upgrade", "--id", "A.B"}, time.Minute)
	if err != nil || res.Stdout != "from helper" || localCalls != 0 {
		t.Fatalf("auto with live helper: res=%+v err=%v local=%d", res, err, localCalls)
	}
	if helper.reqs[0].Type != ipc.TypeExecuteCommand || helper.reqs[0].Command != "& 'winget' 'upgrade' '--id' 'A.B'" || helper.reqs[0].TimeoutSeconds != 60 {
		t.Errorf("helper request = %+v", helper.reqs[0])
	}

	helper.pingErr = errors.New("connection refused")
	res, _ = PackageExec("auto", local, helper)(context.Background(), "winget", nil, time.Minute)
	if res.Stdout != "local" || localCalls != 1 {
		t.Fatalf("auto with dead helper should run locally: %+v", res)
	}

	res, _ = PackageExec("system", local, helper)(context.Background(), "winget", nil, time.Minute)
	if res.Stdout != "local" || localCalls != 2 {
		t.Fatalf("system mode should run locally")
	}

	helper.resp = &ipc.Response{Status: ipc.StatusFailure, Details: "exit code: 1"}
	res, _ = PackageExec("user", local, helper)(context.Background(), "winget", nil, time.Minute)
	if res.ExitCode != 1 || localCalls != 2 {
		t.Fatalf("user mode failure: %+v", res)
	}
	if len(helper.reqs) != 3 {
		t.Fatalf("helper requests = %+v, want execute then info", helper.reqs)
	}
	notice := helper.reqs[2]
	if notice.Type != ipc.TypeInfo || !strings.Contains(notice.Message, "'winget'") {
		t.Errorf("failure notice = %+v", notice)
	}
}
