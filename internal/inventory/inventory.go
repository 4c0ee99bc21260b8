// Package inventory collects the software and OS update state of the host.
package inventory

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

var log = logging.L("inventory")

// AppSource lists installed applications and their available upgrades.
// *winget.Client satisfies it.
type AppSource interface {
	ListInstalled(ctx context.Context) ([]api.InstalledApp, error)
	ListUpgrades(ctx context.Context) ([]api.AppUpdate, error)
}

// OSProbe reports operating-system update state.
type OSProbe interface {
	PendingUpdates(ctx context.Context) ([]api.OSUpdate, error)
	RebootRequired(ctx context.Context) (bool, error)
}

// Collector builds inventory reports.
type Collector struct {
	apps      AppSource
	os        OSProbe
	hostname  string
	version   string
	blacklist []string
}

// NewCollector returns a Collector. hostname overrides the detected name when
// non-empty. blacklist is the locally configured keyword list.
func NewCollector(apps AppSource, probe OSProbe, hostname, agentVersion string, blacklist []string) *Collector {
	if probe == nil {
		probe = NewOSProbe()
	}
	return &Collector{
		apps:      apps,
		os:        probe,
		hostname:  hostname,
		version:   agentVersion,
		blacklist: blacklist,
	}
}

// Hostname returns the name this host reports under.
func (c *Collector) Hostname() string {
	if c.hostname != "" {
		return c.hostname
	}
	return Hostname()
}

// Collect gathers a full snapshot. A failing section is logged and reported
// empty so one broken probe never suppresses the whole report. extra is
// merged into the configured blacklist (the server-side keyword list).
func (c *Collector) Collect(ctx context.Context, extra []string) (*api.InventoryReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keywords := mergeKeywords(c.blacklist, extra)
	report := &api.InventoryReport{
		Hostname:            c.Hostname(),
		IPAddress:           ActiveIP(),
		AgentVersion:        c.version,
		InstalledApps:       []api.InstalledApp{},
		AvailableAppUpdates: []api.AppUpdate{},
		PendingOSUpdates:    []api.OSUpdate{},
		ReportedAt:          time.Now().UTC(),
	}

	var errs []error
	if c.apps != nil {
		if apps, err := c.apps.ListInstalled(ctx); err != nil {
			log.Warn("installed app scan failed", "error", err)
			errs = append(errs, err)
		} else {
			report.InstalledApps = FilterApps(apps, keywords)
		}

		if updates, err := c.apps.ListUpgrades(ctx); err != nil {
			log.Warn("app upgrade scan failed", "error", err)
			errs = append(errs, err)
		} else {
			report.AvailableAppUpdates = FilterUpdates(updates, keywords)
		}
	}

	if updates, err := c.os.PendingUpdates(ctx); err != nil {
		log.Warn("windows update scan failed", "error", err)
		errs = append(errs, err)
	} else if updates != nil {
		report.PendingOSUpdates = updates
	}

	if reboot, err := c.os.RebootRequired(ctx); err != nil {
		log.Warn("reboot check failed", "error", err)
		errs = append(errs, err)
	} else {
		report.RebootRequired = reboot
	}

	// A cancelled context aborts the report; probe errors only degrade it.
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	log.Info("inventory collected",
		"installedApps", len(report.InstalledApps),
		"appUpdates", len(report.AvailableAppUpdates),
		"osUpdates", len(report.PendingOSUpdates),
		"rebootRequired", report.RebootRequired)
	return report, nil
}

// Hostname returns the OS host name.
func Hostname() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// ActiveIP returns the address of the interface carrying the default route,
// falling back to the first non-loopback IPv4 address.
func ActiveIP() string {
	// UDP connect sends no packets; it only selects a source address.
	if conn, err := net.DialTimeout("udp", "8.8.8.8:80", 2*time.Second); err == nil {
		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		if ok && addr.IP != nil && !addr.IP.IsLoopback() {
			return addr.IP.String()
		}
	}

	ifaces, err := psnet.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil || ip.To4() == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return "127.0.0.1"
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func mergeKeywords(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, k := range list {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Blacklisted reports whether name or id contains any keyword,
// case-insensitively.
func Blacklisted(name, id string, keywords []string) bool {
	name = strings.ToLower(name)
	id = strings.ToLower(id)
	for _, k := range keywords {
		k = strings.ToLower(k)
		if k == "" {
			continue
		}
		if strings.Contains(name, k) || strings.Contains(id, k) {
			return true
		}
	}
	return false
}

// FilterApps drops blacklisted installed applications.
func FilterApps(apps []api.InstalledApp, keywords []string) []api.InstalledApp {
	out := make([]api.InstalledApp, 0, len(apps))
	for _, a := range apps {
		if !Blacklisted(a.Name, a.ID, keywords) {
			out = append(out, a)
		}
	}
	return out
}

// FilterUpdates drops blacklisted application updates.
func FilterUpdates(updates []api.AppUpdate, keywords []string) []api.AppUpdate {
	out := make([]api.AppUpdate, 0, len(updates))
	for _, u := range updates {
		if !Blacklisted(u.Name, u.ID, keywords) {
			out = append(out, u)
		}
	}
	return out
}
