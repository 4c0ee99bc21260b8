package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wingetdash/fleet/internal/logging"
	"github.com/wingetdash/fleet/pkg/api"
)

// ReconciledDetails is stored on tasks closed by an inventory report.
const ReconciledDetails = "reconciled: update no longer pending"

var activeStatuses = []string{string(api.StatusPending), string(api.StatusClaimed)}

// CreateTask queues a pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, hostname string, cmd api.Command, p api.Payload) (int64, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return 0, fmt.Errorf("%w: empty hostname", ErrInvalidArgument)
	}
	if !cmd.Valid() {
		return 0, fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, cmd)
	}
	text, err := api.EncodePayload(cmd, p)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	row := Task{
		Hostname: hostname,
		Command:  string(cmd),
		Payload:  text,
		Status:   string(api.StatusPending),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, wrap("create task", err)
	}
	log.Info("task created",
		logging.KeyTaskID, row.ID,
		logging.KeyHostname, hostname,
		logging.KeyCommand, string(cmd))
	return row.ID, nil
}

// ClaimPending returns the host's pending and stale claimed tasks in id
// order and marks them claimed. self_update tasks are returned but stay
// pending until the agent reports the update outcome. A task claimed by a
// concurrent poll is left out.
func (s *Store) ClaimPending(ctx context.Context, hostname string) ([]api.Task, error) {
	now := s.now()
	staleBefore := now.Add(-s.staleAfter)
	out := []api.Task{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Task
		err := tx.Where("hostname = ?", hostname).
			Where("status = ? OR (status = ? AND command <> ? AND claimed_at < ?)",
				string(api.StatusPending), string(api.StatusClaimed), string(api.CommandSelfUpdate), staleBefore).
			Order("id").
			Find(&rows).Error
		if err != nil {
			return err
		}

		for _, row := range rows {
			t, err := row.toAPI()
			if err != nil {
				if err := s.failUndecodable(tx, row, err, now); err != nil {
					return err
				}
				continue
			}
			if row.Command == string(api.CommandSelfUpdate) {
				out = append(out, t)
				continue
			}

			res := tx.Model(&Task{}).
				Where("id = ? AND status = ? AND claim_gen = ?", row.ID, row.Status, row.ClaimGen).
				Updates(map[string]any{
					"status":     string(api.StatusClaimed),
					"claimed_at": now,
					"claim_gen":  row.ClaimGen + 1,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				log.Debug("task taken by a concurrent poll", logging.KeyTaskID, row.ID)
				continue
			}
			if row.Status == string(api.StatusClaimed) {
				log.Warn("reclaiming stale task",
					logging.KeyTaskID, row.ID,
					logging.KeyHostname, hostname,
					"claimedAt", row.ClaimedAt)
			}

			t.Status = api.StatusClaimed
			t.UpdatedAt = now
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("claim tasks", err)
	}
	return out, nil
}

// failUndecodable closes a task whose stored payload no longer decodes, so
// it stops blocking the host's queue.
func (s *Store) failUndecodable(tx *gorm.DB, row Task, cause error, now time.Time) error {
	res := tx.Model(&Task{}).
		Where("id = ? AND status = ? AND claim_gen = ?", row.ID, row.Status, row.ClaimGen).
		Updates(map[string]any{
			"status":     string(api.StatusFailed),
			"details":    "invalid payload: " + cause.Error(),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Warn("failed task with undecodable payload",
			logging.KeyTaskID, row.ID,
			logging.KeyHostname, row.Hostname,
			logging.KeyError, cause.Error())
	}
	return nil
}

// CompleteTask moves a pending or claimed task to a terminal status.
// Repeating the same terminal status is a no-op.
func (s *Store) CompleteTask(ctx context.Context, id int64, status api.Status, details string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidArgument, status)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Task
		if err := tx.First(&row, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
			}
			return err
		}
		if api.Status(row.Status).Terminal() {
			if row.Status == string(status) {
				return nil
			}
			return fmt.Errorf("%w: task %d is already %s", ErrInvalidTransition, id, row.Status)
		}

		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", id, row.Status).
			Updates(map[string]any{
				"status":     string(status),
				"details":    details,
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %d changed concurrently", ErrInvalidTransition, id)
		}
		return nil
	})
	if err != nil {
		return wrap("complete task", err)
	}
	log.Info("task completed", logging.KeyTaskID, id, "status", string(status))
	return nil
}

// ReconcileAfterReport completes every active update_package task whose
// package no longer has an update pending in report.
func (s *Store) ReconcileAfterReport(ctx context.Context, hostname string, report *api.InventoryReport) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = s.reconcile(tx, hostname, report)
		return err
	})
	if err != nil {
		return 0, wrap("reconcile tasks", err)
	}
	return n, nil
}

func (s *Store) reconcile(tx *gorm.DB, hostname string, report *api.InventoryReport) (int64, error) {
	var rows []Task
	err := tx.Where("hostname = ? AND command = ? AND status IN ?",
		hostname, string(api.CommandUpdatePackage), activeStatuses).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	now := s.now()
	var n int64
	for _, row := range rows {
		if report.HasPendingUpdate(row.Payload) {
			continue
		}
		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", row.ID, row.Status).
			Updates(map[string]any{
				"status":     string(api.StatusCompleted),
				"details":    ReconciledDetails,
				"updated_at": now,
			})
		if res.Error != nil {
			return 0, res.Error
		}
		n += res.RowsAffected
	}
	if n > 0 {
		log.Info("reconciled tasks after report", logging.KeyHostname, hostname, "count", n)
	}
	return n, nil
}

// PurgeTerminal deletes finished tasks last updated more than olderThan ago.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(api.StatusCompleted), string(api.StatusFailed)}, cutoff).
		Delete(&Task{})
	if res.Error != nil {
		return 0, wrap("purge tasks", res.Error)
	}
	return res.RowsAffected, nil
}

// RunJanitor purges terminal tasks every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, every, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeTerminal(ctx, olderThan)
			if err != nil {
				log.Warn("purging tasks failed", logging.KeyError, err.Error())
				continue
			}
			if n > 0 {
				log.Info("purged finished tasks", "count", n)
			}
		}
	}
}

func (s *Store) GetTask(ctx context.Context, id int64) (*api.Task, error) {
	var row Task
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
		}
		return nil, wrap("get task", err)
	}
	t, err := row.toAPI()
	if err != nil {
		log.Debug("task payload does not decode", logging.KeyTaskID, id, logging.KeyError, err.Error())
	}
	return &t, nil
}

// ListTasks returns all tasks of a host, newest first.
func (s *Store) ListTasks(ctx context.Context, hostname string) ([]api.Task, error) {
	var rows []Task
	if err := s.db.WithContext(ctx).Where("hostname = ?", hostname).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, wrap("list tasks", err)
	}
	out := make([]api.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toAPI()
		if err != nil {
			log.Debug("task payload does not decode", logging.KeyTaskID, row.ID, logging.KeyError, err.Error())
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTask removes a task whatever its status.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&Task{}, id)
	if res.Error != nil {
		return wrap("delete task", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	log.Info("task deleted", logging.KeyTaskID, id)
	return nil
}

// toAPI converts a row. When the payload does not decode the task is still
// returned, with a nil Payload, alongside the error.
func (t Task) toAPI() (api.Task, error) {
	cmd := api.Command(t.Command)
	out := api.Task{
		ID:        t.ID,
		Hostname:  t.Hostname,
		Command:   cmd,
		Status:    api.Status(t.Status),
		Details:   t.Details,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	p, err := api.DecodePayload(cmd, t.Payload)
	if err != nil {
		return out, fmt.Errorf("task %d: %w", t.ID, err)
	}
	out.Payload = p
	return out, nil
}
