// Package ledger owns the session rows: the durable record of every period a
// worker spent running. Sessions are never deleted; quota accounting and
// audit both read from here. Closing a session is the single place worker
// usage counters are settled.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"gorm.io/gorm"
)

// Open creates the session row for a worker at reservation promotion.
// AutoShutdownAt is computed once here and never extended; it is the durable
// deadline the watchdog enforces across restarts.
func Open(db *gorm.DB, workerID, provider, startReason string, maxDuration time.Duration, now time.Time) (*models.WorkerSession, error) {
	session := models.WorkerSession{
		WorkerID:       workerID,
		Provider:       provider,
		StartedAt:      now,
		MaxDurationMs:  maxDuration.Milliseconds(),
		AutoShutdownAt: now.Add(maxDuration),
		Active:         true,
		StartReason:    startReason,
	}
	if err := db.Create(&session).Error; err != nil {
		return nil, fmt.Errorf("ledger: open session for %s: %w", workerID, err)
	}
	return &session, nil
}

// Active returns the active session for a worker, or nil when it has none.
func Active(db *gorm.DB, workerID string) (*models.WorkerSession, error) {
	var session models.WorkerSession
	err := db.Where("worker_id = ? AND active = ?", workerID, true).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: active session for %s: %w", workerID, err)
	}
	return &session, nil
}

// ListActive returns all active sessions ordered by start time.
func ListActive(db *gorm.DB) ([]models.WorkerSession, error) {
	var sessions []models.WorkerSession
	if err := db.Where("active = ?", true).Order("started_at ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("ledger: list active sessions: %w", err)
	}
	return sessions, nil
}

// CountActiveByProvider counts active sessions for a provider, excluding one
// worker. The reservation protocol calls this inside its locked transaction
// to enforce fleet-wide concurrency for usage-metered providers.
func CountActiveByProvider(db *gorm.DB, provider, excludeWorkerID string) (int64, error) {
	var count int64
	err := db.Model(&models.WorkerSession{}).
		Where("provider = ? AND active = ? AND worker_id != ?", provider, true, excludeWorkerID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count active %s sessions: %w", provider, err)
	}
	return count, nil
}

// Advance raises a session's recorded duration. The guard keeps the column
// monotonic so a delayed heartbeat can never rewind it.
func Advance(db *gorm.DB, sessionID uint, durationMs int64) error {
	result := db.Model(&models.WorkerSession{}).
		Where("id = ? AND active = ? AND duration_ms < ?", sessionID, true, durationMs).
		Update("duration_ms", durationMs)
	if result.Error != nil {
		return fmt.Errorf("ledger: advance session %d: %w", sessionID, result.Error)
	}
	return nil
}

// Close settles a session: marks it inactive with the given reason and
// applies the worker-side accounting in the same transaction. For
// usage-metered providers the session's runtime is added to the weekly
// counter, clamped so the counter never exceeds the enforced budget; for
// cooldown-metered providers the cooldown stamp is set. The worker always
// ends up offline with its per-session fields cleared.
//
// Closing an already-closed session is a no-op, so watchdog sweeps and
// explicit stops can race without double-charging quota.
func Close(db *gorm.DB, sessionID uint, reason string, policy quota.Policy, now time.Time) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var session models.WorkerSession
		if err := registry.ForUpdate(tx).
			First(&session, "id = ?", sessionID).Error; err != nil {
			return fmt.Errorf("ledger: load session %d: %w", sessionID, err)
		}
		if !session.Active {
			return nil
		}

		var worker models.Worker
		if err := registry.ForUpdate(tx).
			First(&worker, "id = ?", session.WorkerID).Error; err != nil {
			return fmt.Errorf("ledger: load worker %s: %w", session.WorkerID, err)
		}

		finalMs := finalDurationMs(&session, policy, now)

		result := tx.Model(&models.WorkerSession{}).
			Where("id = ? AND active = ?", sessionID, true).
			Updates(map[string]interface{}{
				"active":          false,
				"shutdown_reason": reason,
				"duration_ms":     finalMs,
				"ended_at":        now,
			})
		if result.Error != nil {
			return fmt.Errorf("ledger: close session %d: %w", sessionID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		updates := map[string]interface{}{
			"status":                   models.WorkerOffline,
			"session_token":            "",
			"reservation_expires_at":   nil,
			"session_started_at":       nil,
			"session_duration_seconds": finalMs / 1000,
		}
		switch policy.Family {
		case quota.FamilyUsage:
			used := worker.WeeklyUsageSeconds + finalMs/1000
			if budget := int64(policy.WeeklyBudget().Seconds()); used > budget {
				used = budget
			}
			updates["weekly_usage_seconds"] = used
			if worker.WeekStartedAt == nil {
				updates["week_started_at"] = now
			}
		case quota.FamilyCooldown:
			if policy.Cooldown > 0 {
				updates["cooldown_until"] = now.Add(policy.Cooldown)
			}
		}

		if err := tx.Model(&models.Worker{}).Where("id = ?", worker.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("ledger: settle worker %s: %w", worker.ID, err)
		}
		return nil
	})
}

// finalDurationMs picks the duration to settle: the heartbeat-advanced
// column, or the wall-clock elapsed time when heartbeats undercounted.
// Wall time is capped at the official session limit, since the vendor kills
// the kernel there and anything beyond is daemon downtime, not GPU time.
func finalDurationMs(s *models.WorkerSession, policy quota.Policy, now time.Time) int64 {
	elapsed := now.Sub(s.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if policy.SessionLimit > 0 && elapsed > policy.SessionLimit {
		elapsed = policy.SessionLimit
	}
	if ms := elapsed.Milliseconds(); ms > s.DurationMs {
		return ms
	}
	return s.DurationMs
}

// History returns the most recent sessions for a worker, newest first.
func History(db *gorm.DB, workerID string, limit int) ([]models.WorkerSession, error) {
	var sessions []models.WorkerSession
	q := db.Where("worker_id = ?", workerID).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("ledger: history for %s: %w", workerID, err)
	}
	return sessions, nil
}
