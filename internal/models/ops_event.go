package models

import "time"

// OpsEvent is the durable record of an operational alert: a leaked remote
// resource, a quota ceiling hit, a silent worker demoted. Chat delivery is
// best-effort; the row is the source of truth for what happened.
type OpsEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Kind      string `gorm:"size:32;index"`
	Severity  string `gorm:"size:8;default:info"`
	WorkerID  string `gorm:"size:64;index"`
	SessionID uint
	Message   string `gorm:"type:text"`
	Delivered bool   `gorm:"default:false"`
	CreatedAt time.Time
}
