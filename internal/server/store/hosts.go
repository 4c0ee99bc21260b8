package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

// HostDetail is a host with its latest snapshot and task history.
type HostDetail struct {
	Host          Host
	InstalledApps []InstalledApp
	AppUpdates    []AppUpdate
	OSUpdates     []api.OSUpdate
	Tasks         []api.Task
}

// SaveReport stores a host's inventory snapshot, replacing the previous one
// wholesale, and reconciles its tasks against it in the same transaction.
// It returns the number of reconciled tasks.
func (s *Store) SaveReport(ctx context.Context, r *api.InventoryReport) (int64, error) {
	hostname := strings.TrimSpace(r.Hostname)
	if hostname == "" {
		return 0, fmt.Errorf("%w: report without hostname", ErrInvalidArgument)
	}
	osUpdates := r.PendingOSUpdates
	if osUpdates == nil {
		osUpdates = []api.OSUpdate{}
	}
	osJSON, err := json.Marshal(osUpdates)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var reconciled int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		host, err := upsertHost(tx, hostname)
		if err != nil {
			return err
		}
		now := s.now()
		err = tx.Model(host).Updates(map[string]any{
			"ip_address":         r.IPAddress,
			"reboot_required":    r.RebootRequired,
			"agent_version":      r.AgentVersion,
			"pending_os_updates": datatypes.JSON(osJSON),
			"last_report_at":     now,
		}).Error
		if err != nil {
			return err
		}

		if err := tx.Where("host_id = ?", host.ID).Delete(&InstalledApp{}).Error; err != nil {
			return err
		}
		if err := tx.Where("host_id = ?", host.ID).Delete(&AppUpdate{}).Error; err != nil {
			return err
		}

		if len(r.InstalledApps) > 0 {
			apps := make([]InstalledApp, 0, len(r.InstalledApps))
			for _, a := range r.InstalledApps {
				apps = append(apps, InstalledApp{HostID: host.ID, Name: a.Name, PackageID: a.ID, Version: a.Version})
			}
			if err := tx.CreateInBatches(apps, 200).Error; err != nil {
				return err
			}
		}
		if len(r.AvailableAppUpdates) > 0 {
			updates := make([]AppUpdate, 0, len(r.AvailableAppUpdates))
			for _, u := range r.AvailableAppUpdates {
				updates = append(updates, AppUpdate{
					HostID:           host.ID,
					Name:             u.Name,
					PackageID:        u.ID,
					CurrentVersion:   u.CurrentVersion,
					AvailableVersion: u.AvailableVersion,
				})
			}
			if err := tx.CreateInBatches(updates, 200).Error; err != nil {
				return err
			}
		}

		reconciled, err = s.reconcile(tx, hostname, r)
		return err
	})
	if err != nil {
		return 0, wrap("save report", err)
	}
	log.Info("report saved",
		logging.KeyHostname, hostname,
		"apps", len(r.InstalledApps),
		"updates", len(r.AvailableAppUpdates),
		"osUpdates", len(osUpdates))
	return reconciled, nil
}

// RecordUpdateStatus stores a self-update outcome. Success removes the
// host's self_update tasks; failure marks the active ones failed.
func (s *Store) RecordUpdateStatus(ctx context.Context, hostname string, status api.UpdateStatus, details string) error {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return fmt.Errorf("%w: empty hostname", ErrInvalidArgument)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		host, err := upsertHost(tx, hostname)
		if err != nil {
			return err
		}
		now := s.now()
		err = tx.Model(host).Updates(map[string]any{
			"update_status":    string(status),
			"update_details":   details,
			"update_status_at": now,
		}).Error
		if err != nil {
			return err
		}

		q := tx.Where("hostname = ? AND command = ?", hostname, string(api.CommandSelfUpdate))
		switch status {
		case api.UpdateSuccessPending:
			return q.Delete(&Task{}).Error
		case api.UpdateFailed:
			return q.Model(&Task{}).
				Where("status IN ?", activeStatuses).
				Updates(map[string]any{
					"status":     string(api.StatusFailed),
					"details":    details,
					"updated_at": now,
				}).Error
		}
		return fmt.Errorf("%w: update status %q", ErrInvalidArgument, status)
	})
	if err != nil {
		return wrap("record update status", err)
	}
	log.Info("update status recorded", logging.KeyHostname, hostname, "status", string(status))
	return nil
}

func upsertHost(tx *gorm.DB, hostname string) (*Host, error) {
	var host Host
	err := tx.Where(Host{Hostname: hostname}).FirstOrCreate(&host).Error
	if err != nil {
		return nil, err
	}
	return &host, nil
}

// ListHosts returns all hosts ordered by name.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := s.db.WithContext(ctx).Order("hostname").Find(&hosts).Error; err != nil {
		return nil, wrap("list hosts", err)
	}
	return hosts, nil
}

// GetHost returns a host with its latest snapshot and tasks.
func (s *Store) GetHost(ctx context.Context, hostname string) (*HostDetail, error) {
	db := s.db.WithContext(ctx)
	var d HostDetail
	if err := db.Where("hostname = ?", hostname).First(&d.Host).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrHostNotFound, hostname)
		}
		return nil, wrap("get host", err)
	}
	if err := db.Where("host_id = ?", d.Host.ID).Order("name").Find(&d.InstalledApps).Error; err != nil {
		return nil, wrap("get host", err)
	}
	if err := db.Where("host_id = ?", d.Host.ID).Order("name").Find(&d.AppUpdates).Error; err != nil {
		return nil, wrap("get host", err)
	}
	d.OSUpdates = []api.OSUpdate{}
	if len(d.Host.PendingOSUpdates) > 0 {
		if err := json.Unmarshal(d.Host.PendingOSUpdates, &d.OSUpdates); err != nil {
			return nil, wrap("get host", err)
		}
	}
	tasks, err := s.ListTasks(ctx, hostname)
	if err != nil {
		return nil, err
	}
	d.Tasks = tasks
	return &d, nil
}
