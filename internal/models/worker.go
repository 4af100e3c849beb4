package models

import "time"

// Worker lifecycle statuses.
const (
	WorkerOffline   = "offline"
	WorkerStarting  = "starting"
	WorkerPending   = "pending"
	WorkerOnline    = "online"
	WorkerUnhealthy = "unhealthy"
)

// Notebook providers the fleet runs on. Quota rules per provider come from
// configuration; these constants only name the two the system ships with.
const (
	ProviderKaggle = "kaggle"
	ProviderColab  = "colab"
)

// Worker represents one remote notebook compute resource.
//
// SessionToken is non-empty exactly while Status is "starting": it is the
// reservation guard for the start protocol. All quota counters are durable
// here so any process can evaluate eligibility from the row alone.
type Worker struct {
	ID           string `gorm:"primaryKey;size:64"`
	Provider     string `gorm:"size:16;index"`
	Status       string `gorm:"size:16;index;default:offline"`
	AccountID    string `gorm:"size:64"`
	EndpointURL  string `gorm:"size:256"`
	Capabilities string `gorm:"type:json"`

	SessionToken           string `gorm:"size:64"`
	ReservationExpiresAt   *time.Time
	SessionStartedAt       *time.Time
	SessionDurationSeconds int64 `gorm:"default:0"`

	CooldownUntil      *time.Time
	WeeklyUsageSeconds int64 `gorm:"default:0"`
	WeekStartedAt      *time.Time

	LastHeartbeatAt *time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
