// Package alerts records operational events and delivers them to chat
// channels. Events are written as durable rows first and delivered by a
// separate dispatch loop, so a chat outage never loses an alert and the
// processes that raise alerts (watchdog, heartbeat monitor) never block on
// platform APIs.
package alerts

import (
	"fmt"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"gorm.io/gorm"
)

// Event kinds.
const (
	KindShutdownFailed  = "remote_shutdown_failed"
	KindOrphanRecovered = "orphan_recovered"
	KindForcedStop      = "quota_forced_stop"
	KindWorkerSilent    = "worker_silent"
	KindHandoffNeeded   = "handoff_needed"
	KindStartRefused    = "start_refused"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// RecordOpts holds optional parameters for recording an event.
type RecordOpts struct {
	Severity  string // info (default), warning, critical
	WorkerID  string
	SessionID uint
}

// Record writes an operational event row. Delivery happens later via the
// dispatcher; the row itself is the audit trail.
func Record(db *gorm.DB, kind, message string, opts RecordOpts) (*models.OpsEvent, error) {
	if kind == "" {
		return nil, fmt.Errorf("alerts: kind is required")
	}
	if message == "" {
		return nil, fmt.Errorf("alerts: message is required")
	}

	severity := opts.Severity
	if severity == "" {
		severity = SeverityInfo
	}

	event := models.OpsEvent{
		Kind:      kind,
		Severity:  severity,
		WorkerID:  opts.WorkerID,
		SessionID: opts.SessionID,
		Message:   message,
		CreatedAt: time.Now(),
	}

	if err := db.Create(&event).Error; err != nil {
		return nil, fmt.Errorf("alerts: record: %w", err)
	}
	return &event, nil
}

// Pending returns undelivered events, oldest first.
func Pending(db *gorm.DB, limit int) ([]models.OpsEvent, error) {
	var events []models.OpsEvent
	q := db.Where("delivered = ?", false).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("alerts: pending: %w", err)
	}
	return events, nil
}

// MarkDelivered flags an event as delivered.
func MarkDelivered(db *gorm.DB, eventID uint) error {
	result := db.Model(&models.OpsEvent{}).Where("id = ?", eventID).
		Update("delivered", true)
	if result.Error != nil {
		return fmt.Errorf("alerts: mark delivered %d: %w", eventID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("alerts: mark delivered %d: event not found", eventID)
	}
	return nil
}

// Recent returns the latest events regardless of delivery state.
func Recent(db *gorm.DB, limit int) ([]models.OpsEvent, error) {
	var events []models.OpsEvent
	q := db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("alerts: recent: %w", err)
	}
	return events, nil
}

// Format renders an event as a single chat line.
func Format(e *models.OpsEvent) string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Severity, e.Kind, e.Message)
	if e.WorkerID != "" {
		msg += fmt.Sprintf(" (worker %s)", e.WorkerID)
	}
	return msg
}
