package api

import (
	"strings"
	"time"
)

// Command identifies what a task asks the agent to do.
type Command string

const (
	CommandUpdatePackage    Command = "update_package"
	CommandUninstallPackage Command = "uninstall_package"
	CommandForceReport      Command = "force_report"
	CommandSelfUpdate       Command = "self_update"
)

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	switch c {
	case CommandUpdatePackage, CommandUninstallPackage, CommandForceReport, CommandSelfUpdate:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// UpdateStatus is the outcome a self-update reports to the server.
type UpdateStatus string

const (
	UpdateSuccessPending UpdateStatus = "success_pending_confirmation"
	UpdateFailed         UpdateStatus = "failed"
)

// Status literals sent by the first generation of Windows agents.
const (
	legacyUpdateSuccessPending = "sukces_oczekuje_na_potwierdzenie"
	legacyUpdateFailed         = "błąd"
	legacyTaskCompleted        = "zakończone"
)

// ParseResultStatus accepts the terminal task statuses and the legacy
// literals used in task results.
func ParseResultStatus(s string) (Status, bool) {
	switch strings.TrimSpace(s) {
	case string(StatusCompleted), legacyTaskCompleted:
		return StatusCompleted, true
	case string(StatusFailed), legacyUpdateFailed:
		return StatusFailed, true
	}
	return "", false
}

// ParseUpdateStatus accepts the canonical values and the legacy literals.
func ParseUpdateStatus(s string) (UpdateStatus, bool) {
	switch strings.TrimSpace(s) {
	case string(UpdateSuccessPending), legacyUpdateSuccessPending:
		return UpdateSuccessPending, true
	case string(UpdateFailed), legacyUpdateFailed:
		return UpdateFailed, true
	}
	return "", false
}

// TaskResult is posted by the agent after executing a task.
type TaskResult struct {
	TaskID  int64  `json:"task_id"`
	Status  Status `json:"status"`
	Details string `json:"details,omitempty"`
}

// UpdateStatusReport is posted once per self-update outcome.
type UpdateStatusReport struct {
	Hostname string       `json:"hostname"`
	Status   UpdateStatus `json:"status"`
	Details  string       `json:"details,omitempty"`
}

// InstalledApp is one row of the installed software list.
type InstalledApp struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// AppUpdate is an application with a newer version available.
type AppUpdate struct {
	Name             string `json:"name"`
	ID               string `json:"id"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version"`
}

// OSUpdate is a pending operating system update.
type OSUpdate struct {
	Title string `json:"title"`
	KB    string `json:"kb,omitempty"`
}

// InventoryReport is the full snapshot an agent sends on each report.
type InventoryReport struct {
	Hostname            string         `json:"hostname"`
	IPAddress           string         `json:"ip_address"`
	RebootRequired      bool           `json:"reboot_required"`
	AgentVersion        string         `json:"agent_version"`
	InstalledApps       []InstalledApp `json:"installed_apps"`
	AvailableAppUpdates []AppUpdate    `json:"available_app_updates"`
	PendingOSUpdates    []OSUpdate     `json:"pending_os_updates"`
	ReportedAt          time.Time      `json:"reported_at"`
}

// HasPendingUpdate reports whether packageID is in the available updates.
func (r *InventoryReport) HasPendingUpdate(packageID string) bool {
	for _, u := range r.AvailableAppUpdates {
		if strings.EqualFold(u.ID, packageID) {
			return true
		}
	}
	return false
}

// BundleInfo describes the currently published agent bundle.
type BundleInfo struct {
	Version     string    `json:"version"`
	URL         string    `json:"url"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	PublishedAt time.Time `json:"published_at"`
}

// Blacklist is the set of keywords that hide updates from reports.
type Blacklist struct {
	Keywords []string `json:"keywords"`
}

// ErrorResponse is the body of every non-2xx server reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
