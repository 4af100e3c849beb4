package db

import (
	"encoding/json"
	"fmt"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Worker{},
		&models.WorkerSession{},
		&models.OpsEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedWorkers upserts worker rows from configuration. Seeding never touches
// runtime columns (status, token, usage counters), so re-running init against
// a live fleet is safe.
func SeedWorkers(db *gorm.DB, workers []config.WorkerConfig) error {
	for _, wc := range workers {
		capabilities, err := marshalJSON(wc.Capabilities)
		if err != nil {
			return fmt.Errorf("db: marshal capabilities for worker %q: %w", wc.ID, err)
		}

		worker := models.Worker{
			ID:           wc.ID,
			Provider:     wc.Provider,
			Status:       models.WorkerOffline,
			AccountID:    wc.Account,
			Capabilities: capabilities,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider", "account_id", "capabilities"}),
		}).Create(&worker)
		if result.Error != nil {
			return fmt.Errorf("db: seed worker %q: %w", wc.ID, result.Error)
		}
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
