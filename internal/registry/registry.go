// Package registry is the durable access layer for worker rows. All state
// transitions here are single-row writes; the multi-row reservation protocol
// lives in the reservation package.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate applies SELECT ... FOR UPDATE to the query when the dialect
// supports it. SQLite has no row locks; its single-writer transactions
// already serialize competing claims, so the clause is omitted there.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// AddOpts holds parameters for adding a worker to the fleet.
type AddOpts struct {
	ID           string
	Provider     string
	Account      string
	Capabilities map[string]interface{}
}

// GenerateID creates a unique worker ID in wrk-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("registry: generate ID: %w", err)
	}
	return "wrk-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for i := 0; i < 2; i++ {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Worker{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("registry: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("registry: failed to generate unique ID after retries")
}

// Add creates a new worker row with status=offline.
func Add(db *gorm.DB, opts AddOpts) (*models.Worker, error) {
	if opts.Provider == "" {
		return nil, fmt.Errorf("registry: provider is required")
	}

	id := opts.ID
	if id == "" {
		var err error
		id, err = generateUniqueID(db)
		if err != nil {
			return nil, err
		}
	}

	capabilities := ""
	if opts.Capabilities != nil {
		data, err := json.Marshal(opts.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("registry: marshal capabilities: %w", err)
		}
		capabilities = string(data)
	}

	worker := models.Worker{
		ID:           id,
		Provider:     opts.Provider,
		Status:       models.WorkerOffline,
		AccountID:    opts.Account,
		Capabilities: capabilities,
	}

	if err := db.Create(&worker).Error; err != nil {
		return nil, fmt.Errorf("registry: add worker %s: %w", id, err)
	}

	return &worker, nil
}

// Get retrieves a worker by ID.
func Get(db *gorm.DB, workerID string) (*models.Worker, error) {
	var worker models.Worker
	if err := db.Where("id = ?", workerID).First(&worker).Error; err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", workerID, err)
	}
	return &worker, nil
}

// List returns all workers ordered by provider then ID.
func List(db *gorm.DB) ([]models.Worker, error) {
	var workers []models.Worker
	if err := db.Order("provider ASC, id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("registry: list workers: %w", err)
	}
	return workers, nil
}

// ListByProvider returns all workers for one provider ordered by ID.
func ListByProvider(db *gorm.DB, provider string) ([]models.Worker, error) {
	var workers []models.Worker
	if err := db.Where("provider = ?", provider).Order("id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("registry: list %s workers: %w", provider, err)
	}
	return workers, nil
}

// TouchHeartbeat records a heartbeat from the worker.
func TouchHeartbeat(db *gorm.DB, workerID string, now time.Time) error {
	result := db.Model(&models.Worker{}).
		Where("id = ?", workerID).
		Update("last_heartbeat_at", now)
	if result.Error != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: heartbeat %s: worker not found", workerID)
	}
	return nil
}

// MarkOnline promotes a worker to online after it registers itself,
// recording the endpoint it is reachable at and resetting the heartbeat
// clock. Only workers in pending, online, or unhealthy promote; an offline
// or starting worker registering is a zombie kernel from a closed session
// and is refused so it cannot resurrect past the control plane.
func MarkOnline(db *gorm.DB, workerID, endpointURL string, now time.Time) error {
	result := db.Model(&models.Worker{}).
		Where("id = ? AND status IN ?", workerID,
			[]string{models.WorkerPending, models.WorkerOnline, models.WorkerUnhealthy}).
		Updates(map[string]interface{}{
			"status":            models.WorkerOnline,
			"endpoint_url":      endpointURL,
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("registry: mark online %s: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: mark online %s: worker not registrable", workerID)
	}
	return nil
}

// Adopt creates a worker row for a kernel that announced itself without a
// known worker ID, typically a notebook someone started by hand. The row is
// created already online, pointing at the endpoint the kernel reported.
func Adopt(db *gorm.DB, opts AddOpts, endpointURL string, now time.Time) (*models.Worker, error) {
	worker, err := Add(db, opts)
	if err != nil {
		return nil, err
	}
	result := db.Model(&models.Worker{}).
		Where("id = ?", worker.ID).
		Updates(map[string]interface{}{
			"status":            models.WorkerOnline,
			"endpoint_url":      endpointURL,
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("registry: adopt %s: %w", worker.ID, result.Error)
	}
	worker.Status = models.WorkerOnline
	worker.EndpointURL = endpointURL
	worker.LastHeartbeatAt = &now
	return worker, nil
}

// SetCapabilities replaces a worker's recorded capability map with what the
// kernel actually reported, which beats whatever was guessed at add time.
func SetCapabilities(db *gorm.DB, workerID string, capabilities map[string]interface{}) error {
	data, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	result := db.Model(&models.Worker{}).
		Where("id = ?", workerID).
		Update("capabilities", string(data))
	if result.Error != nil {
		return fmt.Errorf("registry: set capabilities %s: %w", workerID, result.Error)
	}
	return nil
}

// PromotePending flips a pending worker online once its kernel proves alive
// by heartbeating. Pending is the only status touched: unhealthy workers
// heartbeat too and must stay quarantined until health flips them back.
func PromotePending(db *gorm.DB, workerID string, now time.Time) error {
	result := db.Model(&models.Worker{}).
		Where("id = ? AND status = ?", workerID, models.WorkerPending).
		Updates(map[string]interface{}{
			"status":            models.WorkerOnline,
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("registry: promote %s: %w", workerID, result.Error)
	}
	return nil
}

// SetHealth flips a worker between online and unhealthy. Unhealthy workers
// keep consuming quota but are excluded from reuse selection.
func SetHealth(db *gorm.DB, workerID string, healthy bool, now time.Time) error {
	from, to := models.WorkerOnline, models.WorkerUnhealthy
	if healthy {
		from, to = models.WorkerUnhealthy, models.WorkerOnline
	}
	result := db.Model(&models.Worker{}).
		Where("id = ? AND status = ?", workerID, from).
		Updates(map[string]interface{}{
			"status":            to,
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("registry: set health %s: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: set health %s: worker not in %s state", workerID, from)
	}
	return nil
}

// Demote forces a worker offline. Used by the heartbeat monitor when a
// worker goes silent; closing any session it left behind is the caller's
// job.
func Demote(db *gorm.DB, workerID string) error {
	result := db.Model(&models.Worker{}).
		Where("id = ?", workerID).
		Updates(map[string]interface{}{
			"status":             models.WorkerOffline,
			"session_started_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("registry: demote %s: %w", workerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: demote %s: worker not found", workerID)
	}
	return nil
}

// RollWeeklyWindows zeroes the weekly usage counters for every worker of the
// given providers and stamps a fresh window start. Returns the number of
// rows reset. Run on the configured reset schedule; the quota evaluator
// additionally ignores usage from expired windows, so a missed run never
// blocks a worker past its true window.
func RollWeeklyWindows(db *gorm.DB, providers []string, now time.Time) (int64, error) {
	if len(providers) == 0 {
		return 0, nil
	}
	result := db.Model(&models.Worker{}).
		Where("provider IN ?", providers).
		Updates(map[string]interface{}{
			"weekly_usage_seconds": 0,
			"week_started_at":      now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("registry: roll weekly windows: %w", result.Error)
	}
	return result.RowsAffected, nil
}
