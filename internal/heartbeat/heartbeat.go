// Package heartbeat demotes workers that stopped reporting. Free notebook
// kernels die without any shutdown callback, so silence is the only signal;
// the monitor compares each worker's last-seen reference against a timeout
// and forces silent ones offline, closing whatever session they left behind.
//
// Workers in the starting state are never touched here. They have no kernel
// to report yet; the reservation TTL owns reclaiming them.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/alerts"
	"github.com/fillipeguerrabtc/gpuplane/internal/ledger"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"gorm.io/gorm"
)

const (
	defaultTimeout       = 3 * time.Minute
	defaultSweepInterval = time.Minute
)

// lastSeen picks the liveness reference for a worker: the last heartbeat,
// else the session start, else row creation. A worker with none of these is
// unjudgeable and reported as such.
func lastSeen(w *models.Worker) (time.Time, bool) {
	switch {
	case w.LastHeartbeatAt != nil:
		return *w.LastHeartbeatAt, true
	case w.SessionStartedAt != nil:
		return *w.SessionStartedAt, true
	case !w.CreatedAt.IsZero():
		return w.CreatedAt, true
	}
	return time.Time{}, false
}

// Sweep demotes every pending/online/unhealthy worker that has been silent
// longer than the timeout. A demoted worker's active session is closed as an
// orphan so quota reflects what actually ran. Returns the number demoted.
func Sweep(db *gorm.DB, policies quota.PolicySet, timeout time.Duration, now time.Time, out io.Writer) (int, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if out == nil {
		out = io.Discard
	}

	var workers []models.Worker
	err := db.Where("status IN ?", []string{models.WorkerPending, models.WorkerOnline, models.WorkerUnhealthy}).
		Order("id ASC").Find(&workers).Error
	if err != nil {
		return 0, fmt.Errorf("heartbeat: sweep: %w", err)
	}

	demoted := 0
	for i := range workers {
		w := &workers[i]
		ref, ok := lastSeen(w)
		if !ok {
			log.Printf("heartbeat: worker %s has no liveness reference, skipping", w.ID)
			continue
		}
		silent := now.Sub(ref)
		if silent <= timeout {
			continue
		}

		if err := demote(db, policies, w, silent, now); err != nil {
			log.Printf("heartbeat: worker %s: %v", w.ID, err)
			continue
		}
		fmt.Fprintf(out, "Demoted %s (silent for %s)\n", w.ID, silent.Round(time.Second))
		demoted++
	}
	return demoted, nil
}

// demote forces one silent worker offline. If it had an active session the
// ledger close settles everything (worker row included) and the loss is
// alerted; otherwise a plain registry demotion suffices.
func demote(db *gorm.DB, policies quota.PolicySet, w *models.Worker, silent time.Duration, now time.Time) error {
	session, err := ledger.Active(db, w.ID)
	if err != nil {
		return err
	}
	if session == nil {
		return registry.Demote(db, w.ID)
	}

	policy, ok := policies.Get(w.Provider)
	if !ok {
		log.Printf("heartbeat: no policy for provider %s, closing session %d without quota settle", w.Provider, session.ID)
	}
	if err := ledger.Close(db, session.ID, models.ShutdownOrphanedRecovery, policy, now); err != nil {
		return err
	}

	if _, err := alerts.Record(db, alerts.KindWorkerSilent,
		fmt.Sprintf("worker silent for %s, session closed as orphaned", silent.Round(time.Second)),
		alerts.RecordOpts{Severity: alerts.SeverityWarning, WorkerID: w.ID, SessionID: session.ID}); err != nil {
		log.Printf("heartbeat: %v", err)
	}
	return nil
}

// Run loops the liveness sweep until the context ends.
func Run(ctx context.Context, db *gorm.DB, policies quota.PolicySet, interval, timeout time.Duration, out io.Writer) error {
	if db == nil {
		return fmt.Errorf("heartbeat: db is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if out == nil {
		out = io.Discard
	}

	fmt.Fprintf(out, "Heartbeat monitor starting (sweep every %s, timeout %s)...\n", interval, timeout)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := Sweep(db, policies, timeout, time.Now(), out); err != nil {
			log.Printf("heartbeat sweep error: %v", err)
		}

		sleepWithContext(ctx, interval)
	}
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
