package models

import "time"

// Shutdown reasons recorded when a session closes.
const (
	ShutdownQuotaExceeded    = "quota_exceeded"
	ShutdownOrphanedRecovery = "orphaned_recovery"
	ShutdownAdminOverride    = "admin_override"
	ShutdownJobCompleted     = "job_completed"
)

// WorkerSession is one continuous period of a worker running and consuming
// quota. Rows are closed (Active=false) but never deleted; they are the audit
// trail quota accounting is reconstructed from.
//
// DurationMs is advanced by heartbeat ingest and is the authoritative runtime
// figure; AutoShutdownAt is computed once at session start and never extended.
// The watchdog enforces both, from durable state only, so a session outlives
// the process that started it.
type WorkerSession struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	WorkerID string `gorm:"size:64;index"`
	Provider string `gorm:"size:16;index"`

	StartedAt      time.Time
	DurationMs     int64 `gorm:"default:0"`
	MaxDurationMs  int64
	AutoShutdownAt time.Time `gorm:"index"`

	Active         bool   `gorm:"default:true;index"`
	ShutdownReason string `gorm:"size:32"`
	StartReason    string `gorm:"size:64"`
	EndedAt        *time.Time
	CreatedAt      time.Time
}
