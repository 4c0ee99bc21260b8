//go:build windows

package inventory

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"golang.org/x/sys/windows/registry"

	"github.com/wingetdash/fleet/pkg/api"
)

// pendingCriteria selects software updates that are offered but not yet
// installed and do not already wait on a reboot.
const pendingCriteria = "IsInstalled=0 and Type='Software' and IsHidden=0 and RebootRequired=0"

type windowsProbe struct{}

// NewOSProbe returns the Windows Update Agent probe.
func NewOSProbe() OSProbe { return windowsProbe{} }

func (windowsProbe) PendingUpdates(ctx context.Context) ([]api.OSUpdate, error) {
	var updates []api.OSUpdate
	err := runCOM(ctx, func() error {
		var err error
		updates, err = searchPending()
		return err
	})
	return updates, err
}

func (windowsProbe) RebootRequired(ctx context.Context) (bool, error) {
	if reasons := registryRebootReasons(); len(reasons) > 0 {
		log.Debug("reboot pending", "reasons", reasons)
		return true, nil
	}

	var required bool
	err := runCOM(ctx, func() error {
		unknown, err := oleutil.CreateObject("Microsoft.Update.SystemInfo")
		if err != nil {
			return fmt.Errorf("create system info: %w", err)
		}
		defer unknown.Release()

		info, err := unknown.QueryInterface(ole.IID_IDispatch)
		if err != nil {
			return fmt.Errorf("query system info: %w", err)
		}
		defer info.Release()

		v, err := oleutil.GetProperty(info, "RebootRequired")
		if err != nil {
			return fmt.Errorf("read RebootRequired: %w", err)
		}
		defer v.Clear()
		required = v.Val != 0
		return nil
	})
	return required, err
}

// runCOM runs fn on a locked OS thread inside an apartment. The Windows
// Update search can take minutes, so ctx is honoured by abandoning the wait.
func runCOM(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
			done <- fmt.Errorf("initialize COM: %w", err)
			return
		}
		defer ole.CoUninitialize()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func searchPending() ([]api.OSUpdate, error) {
	unknown, err := oleutil.CreateObject("Microsoft.Update.Session")
	if err != nil {
		return nil, fmt.Errorf("create update session: %w", err)
	}
	defer unknown.Release()

	session, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("query update session: %w", err)
	}
	defer session.Release()

	searcherVar, err := oleutil.CallMethod(session, "CreateUpdateSearcher")
	if err != nil {
		return nil, fmt.Errorf("create searcher: %w", err)
	}
	defer searcherVar.Clear()
	searcher := searcherVar.ToIDispatch()
	if searcher == nil {
		return nil, fmt.Errorf("create searcher: nil searcher")
	}

	resultVar, err := oleutil.CallMethod(searcher, "Search", pendingCriteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resultVar.Clear()
	result := resultVar.ToIDispatch()
	if result == nil {
		return nil, fmt.Errorf("search: nil result")
	}

	updatesVar, err := oleutil.GetProperty(result, "Updates")
	if err != nil {
		return nil, fmt.Errorf("updates collection: %w", err)
	}
	defer updatesVar.Clear()
	coll := updatesVar.ToIDispatch()
	if coll == nil {
		return nil, fmt.Errorf("updates collection missing")
	}

	count, err := intProperty(coll, "Count")
	if err != nil {
		return nil, fmt.Errorf("updates count: %w", err)
	}

	out := make([]api.OSUpdate, 0, count)
	for i := 0; i < count; i++ {
		itemVar, err := oleutil.CallMethod(coll, "Item", i)
		if err != nil {
			continue
		}
		update := itemVar.ToIDispatch()
		if update == nil {
			itemVar.Clear()
			continue
		}
		title, _ := stringProperty(update, "Title")
		out = append(out, api.OSUpdate{Title: title, KB: kbNumber(update)})
		itemVar.Clear()
	}
	return out, nil
}

// kbNumber returns the first KB article id, prefixed with "KB".
func kbNumber(update *ole.IDispatch) string {
	idsVar, err := oleutil.GetProperty(update, "KBArticleIDs")
	if err != nil {
		return ""
	}
	defer idsVar.Clear()

	ids := idsVar.ToIDispatch()
	if ids == nil {
		return ""
	}
	if n, err := intProperty(ids, "Count"); err != nil || n == 0 {
		return ""
	}

	itemVar, err := oleutil.CallMethod(ids, "Item", 0)
	if err != nil {
		return ""
	}
	defer itemVar.Clear()

	kb := itemVar.ToString()
	if kb != "" && !strings.HasPrefix(kb, "KB") {
		kb = "KB" + kb
	}
	return kb
}

func stringProperty(d *ole.IDispatch, name string) (string, error) {
	v, err := oleutil.GetProperty(d, name)
	if err != nil {
		return "", err
	}
	defer v.Clear()
	return v.ToString(), nil
}

func intProperty(d *ole.IDispatch, name string) (int, error) {
	v, err := oleutil.GetProperty(d, name)
	if err != nil {
		return 0, err
	}
	defer v.Clear()
	return int(v.Val), nil
}

// registryRebootReasons checks the servicing stack's reboot markers.
func registryRebootReasons() []string {
	var reasons []string
	if keyExists(`SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`) {
		reasons = append(reasons, "windows update")
	}
	if keyExists(`SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`) {
		reasons = append(reasons, "component servicing")
	}
	if hasPendingFileRenames() {
		reasons = append(reasons, "pending file renames")
	}
	return reasons
}

func keyExists(path string) bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	k.Close()
	return true
}

func hasPendingFileRenames() bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE,
		`SYSTEM\CurrentControlSet\Control\Session Manager`, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer k.Close()

	val, _, err := k.GetStringsValue("PendingFileRenameOperations")
	return err == nil && len(val) > 0
}
