package reservation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/ledger"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"gorm.io/gorm"
)

// StartSession attempts to start a session on the given worker. Quota and
// concurrency refusals come back as a structured result; only database
// failures return an error.
func (c *Coordinator) StartSession(ctx context.Context, workerID, reason string) (*StartResult, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	worker, policy, refused, err := c.reserve(workerID, token)
	if err != nil {
		return nil, err
	}
	if refused != nil {
		return refused, nil
	}

	// Phase 2: the slow external call, no lock held. The reservation row
	// is the only thing protecting this worker now, and only until the
	// TTL passes.
	launchCtx, cancel := context.WithTimeout(ctx, c.launchTimeout)
	defer cancel()

	launch, err := c.provisioner.Launch(launchCtx, worker)
	if err != nil {
		c.release(workerID, token, fmt.Sprintf("launch failed: %v", err))
		if errors.Is(err, ErrNotConfigured) {
			return refusal(quota.ReasonNotConfigured,
				"cannot provision %s: %v", workerID, err), nil
		}
		return refusal(quota.ReasonProvisioningFailed,
			"provisioning %s failed: %v", workerID, err), nil
	}

	result, err := c.promote(workerID, token, reason, policy, launch)
	if err != nil {
		c.release(workerID, token, fmt.Sprintf("promotion failed: %v", err))
		return nil, err
	}
	return result, nil
}

// reserve is phase 1: a short transaction that row-locks the worker (and,
// for usage-metered providers, every sibling of the same provider, in ID
// order so concurrent reservers cannot deadlock), re-runs the quota
// evaluator under the lock, and claims the worker with the fresh token.
func (c *Coordinator) reserve(workerID, token string) (*models.Worker, quota.Policy, *StartResult, error) {
	var (
		worker  models.Worker
		policy  quota.Policy
		refused *StartResult
	)

	err := c.db.Transaction(func(tx *gorm.DB) error {
		// Provider never changes after creation, so an unlocked read is
		// enough to pick the lock set.
		if err := tx.First(&worker, "id = ?", workerID).Error; err != nil {
			return fmt.Errorf("reservation: load worker %s: %w", workerID, err)
		}

		var ok bool
		policy, ok = c.policies.Get(worker.Provider)
		if !ok {
			refused = refusal(quota.ReasonNotConfigured,
				"no quota policy configured for provider %q", worker.Provider)
			return nil
		}

		now := time.Now()
		snap := quota.Snapshot{}

		if policy.Family == quota.FamilyUsage {
			var siblings []models.Worker
			if err := registry.ForUpdate(tx).
				Where("provider = ?", worker.Provider).
				Order("id ASC").
				Find(&siblings).Error; err != nil {
				return fmt.Errorf("reservation: lock %s fleet: %w", worker.Provider, err)
			}
			for i := range siblings {
				s := &siblings[i]
				if s.ID == workerID {
					worker = *s
					continue
				}
				if peerBusy(s, now) {
					snap.ActivePeers++
				}
			}
			// Sessions can outlive a demoted worker row; count them too.
			active, err := ledger.CountActiveByProvider(tx, worker.Provider, workerID)
			if err != nil {
				return err
			}
			snap.ActivePeers += int(active)
		} else {
			if err := registry.ForUpdate(tx).
				First(&worker, "id = ?", workerID).Error; err != nil {
				return fmt.Errorf("reservation: lock worker %s: %w", workerID, err)
			}
		}

		if d := quota.CanStart(&worker, policy, snap, now); !d.Allowed {
			refused = &StartResult{Code: d.Code, Reason: d.Reason}
			return nil
		}

		updates := map[string]interface{}{
			"status":                 models.WorkerStarting,
			"session_token":          token,
			"reservation_expires_at": now.Add(c.ttl),
		}
		// Roll an expired weekly window while we hold the lock; the
		// evaluator already ignored the stale usage.
		if policy.Family == quota.FamilyUsage && quota.WindowExpired(&worker, now) {
			updates["weekly_usage_seconds"] = 0
			updates["week_started_at"] = now
		}
		result := tx.Model(&models.Worker{}).Where("id = ?", workerID).Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("reservation: reserve %s: %w", workerID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("reservation: reserve %s: worker disappeared", workerID)
		}
		return nil
	})
	if err != nil {
		return nil, quota.Policy{}, nil, err
	}
	return &worker, policy, refused, nil
}

// peerBusy reports whether a sibling worker blocks a usage-metered start:
// it holds an unexpired reservation or is running a session. An expired
// reservation does not block; that attempt crashed and its worker is
// reclaimable.
func peerBusy(w *models.Worker, now time.Time) bool {
	switch w.Status {
	case models.WorkerStarting:
		return w.ReservationExpiresAt != nil && now.Before(*w.ReservationExpiresAt)
	case models.WorkerPending, models.WorkerOnline, models.WorkerUnhealthy:
		return true
	}
	return false
}

// promote is phase 3: re-lock the worker, verify the token survived phase 2,
// open the session row, and move the worker to pending. A token mismatch
// means another process legitimately took the worker over after the TTL
// passed; the row is left exactly as found.
func (c *Coordinator) promote(workerID, token, reason string, policy quota.Policy, launch *LaunchResult) (*StartResult, error) {
	var result *StartResult

	err := c.db.Transaction(func(tx *gorm.DB) error {
		var worker models.Worker
		if err := registry.ForUpdate(tx).
			First(&worker, "id = ?", workerID).Error; err != nil {
			return fmt.Errorf("reservation: lock worker %s: %w", workerID, err)
		}

		if worker.SessionToken != token {
			result = refusal(quota.ReasonReservationTokenMismatch,
				"worker %s was reclaimed during provisioning", workerID)
			return nil
		}

		now := time.Now()
		if _, err := ledger.Open(tx, workerID, worker.Provider, reason,
			policy.MaxSessionDuration(), now); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":                 models.WorkerPending,
			"session_token":          "",
			"reservation_expires_at": nil,
			"session_started_at":     now,
		}
		if launch != nil && launch.EndpointURL != "" {
			updates["endpoint_url"] = launch.EndpointURL
		}
		if err := tx.Model(&models.Worker{}).Where("id = ?", workerID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("reservation: promote %s: %w", workerID, err)
		}

		result = &StartResult{Success: true, WorkerID: workerID}
		if launch != nil {
			result.EndpointURL = launch.EndpointURL
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// release rolls a reservation back to offline, but only while the stored
// token still matches this attempt's. After TTL expiry another process may
// have re-reserved the worker; its claim must not be destroyed by a late
// failure from ours.
func (c *Coordinator) release(workerID, token, cause string) {
	err := c.db.Transaction(func(tx *gorm.DB) error {
		var worker models.Worker
		if err := registry.ForUpdate(tx).
			First(&worker, "id = ?", workerID).Error; err != nil {
			return fmt.Errorf("reservation: lock worker %s: %w", workerID, err)
		}
		if worker.SessionToken != token {
			log.Printf("reservation: release %s skipped, token superseded (%s)", workerID, cause)
			return nil
		}
		if err := tx.Model(&models.Worker{}).Where("id = ?", workerID).
			Updates(map[string]interface{}{
				"status":                 models.WorkerOffline,
				"session_token":          "",
				"reservation_expires_at": nil,
			}).Error; err != nil {
			return fmt.Errorf("reservation: release %s: %w", workerID, err)
		}
		log.Printf("reservation: released %s (%s)", workerID, cause)
		return nil
	})
	if err != nil {
		log.Printf("reservation: release %s failed: %v", workerID, err)
	}
}
