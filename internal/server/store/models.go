package store

import (
	"time"

	"gorm.io/datatypes"
)

// Task is the persisted form of a queued command.
type Task struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Hostname string `gorm:"not null;size:255;index:idx_tasks_host_status"`
	Command  string `gorm:"not null;size:32"`
	Payload  string `gorm:"type:text"`
	Status   string `gorm:"not null;size:16;index:idx_tasks_host_status;index"`
	Details  string `gorm:"type:text"`
	// ClaimGen increases on every claim; claims compare-and-swap on it.
	ClaimGen  int64 `gorm:"not null;default:0"`
	ClaimedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

// Host is one agent as last seen by the server.
type Host struct {
	ID               uint   `gorm:"primaryKey"`
	Hostname         string `gorm:"uniqueIndex;not null;size:255"`
	IPAddress        string `gorm:"size:64"`
	RebootRequired   bool
	AgentVersion     string `gorm:"size:64"`
	PendingOSUpdates datatypes.JSON
	LastReportAt     *time.Time
	UpdateStatus     string `gorm:"size:64"`
	UpdateDetails    string `gorm:"type:text"`
	UpdateStatusAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InstalledApp is a row of the host's latest installed software list.
type InstalledApp struct {
	ID        uint   `gorm:"primaryKey"`
	HostID    uint   `gorm:"not null;index"`
	Name      string `gorm:"size:512"`
	PackageID string `gorm:"size:255"`
	Version   string `gorm:"size:128"`
}

// AppUpdate is a row of the host's latest available updates.
type AppUpdate struct {
	ID               uint   `gorm:"primaryKey"`
	HostID           uint   `gorm:"not null;index"`
	Name             string `gorm:"size:512"`
	PackageID        string `gorm:"size:255;index"`
	CurrentVersion   string `gorm:"size:128"`
	AvailableVersion string `gorm:"size:128"`
}

// Bundle is a published agent bundle. Only one is current.
type Bundle struct {
	ID          uint   `gorm:"primaryKey"`
	Version     string `gorm:"uniqueIndex;not null;size:64"`
	ObjectKey   string `gorm:"not null;size:512"`
	SHA256      string `gorm:"not null;size:64"`
	Size        int64
	Manifest    datatypes.JSON
	IsCurrent   bool `gorm:"index"`
	PublishedAt time.Time
}

func allModels() []any {
	return []any{&Task{}, &Host{}, &InstalledApp{}, &AppUpdate{}, &Bundle{}}
}
