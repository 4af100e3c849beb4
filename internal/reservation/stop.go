package reservation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/ledger"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
)

// StopSession closes the worker's active session with the given reason and
// settles its quota accounting. The remote resource is asked to stop first,
// best effort; the ledger closes whether or not the remote side answered,
// because an unreachable kernel must still stop consuming quota here.
func (c *Coordinator) StopSession(ctx context.Context, workerID, reason string) (*StopResult, error) {
	var worker models.Worker
	if err := c.db.First(&worker, "id = ?", workerID).Error; err != nil {
		return nil, fmt.Errorf("reservation: load worker %s: %w", workerID, err)
	}

	policy, ok := c.policies.Get(worker.Provider)
	if !ok {
		return nil, fmt.Errorf("reservation: no quota policy for provider %q", worker.Provider)
	}

	session, err := ledger.Active(c.db, workerID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &StopResult{Reason: fmt.Sprintf("worker %s has no active session", workerID)}, nil
	}

	if c.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, defaultNotifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(notifyCtx, &worker); err != nil {
			log.Printf("reservation: shutdown notify %s: %v", workerID, err)
		}
	}

	if err := ledger.Close(c.db, session.ID, reason, policy, time.Now()); err != nil {
		return nil, err
	}
	return &StopResult{Stopped: true}, nil
}
