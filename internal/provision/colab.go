package provision

import (
	"context"
	"fmt"

	"github.com/fillipeguerrabtc/gpuplane/internal/alerts"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"gorm.io/gorm"
)

// ColabProvisioner hands the launch to a human. Colab has no push API, so
// Launch records a handoff alert with everything the operator needs; the
// reservation stays pending until the opened notebook self-registers. If the
// operator never acts the heartbeat monitor reclaims the worker.
type ColabProvisioner struct {
	db         *gorm.DB
	backendURL string
}

// NewColab builds the Colab handoff provisioner.
func NewColab(db *gorm.DB, backendURL string) *ColabProvisioner {
	return &ColabProvisioner{db: db, backendURL: backendURL}
}

// Launch emits the operator handoff. Failing to record it fails the launch;
// an alert nobody will ever see is a session nobody will ever start.
func (p *ColabProvisioner) Launch(ctx context.Context, w *models.Worker) (*reservation.LaunchResult, error) {
	message := fmt.Sprintf(
		"open the colab worker notebook for account %s and run it with WORKER_ID=%s, BACKEND_URL=%s; the kernel self-registers once up",
		w.AccountID, w.ID, p.backendURL)

	if _, err := alerts.Record(p.db, alerts.KindHandoffNeeded, message,
		alerts.RecordOpts{Severity: alerts.SeverityWarning, WorkerID: w.ID}); err != nil {
		return nil, fmt.Errorf("provision: colab handoff: %w", err)
	}
	return &reservation.LaunchResult{}, nil
}
