// Package watchdog enforces session deadlines from durable state. Every
// active session carries the deadline computed at start; the watchdog reads
// nothing else, so it enforces sessions started by other processes and
// sessions that outlived a daemon crash. Remote shutdown is best effort, the
// ledger close is not: a kernel that ignores the stop request still stops
// being charged for, and the leak is alerted instead of hidden.
package watchdog

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
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"gorm.io/gorm"
)

const (
	defaultSweepInterval = time.Minute
	notifyTimeout        = 30 * time.Second
)

// due reports whether a session must be closed now: its wall-clock deadline
// passed, or heartbeats advanced its runtime past the enforced maximum.
func due(s *models.WorkerSession, now time.Time) bool {
	if !now.Before(s.AutoShutdownAt) {
		return true
	}
	return s.MaxDurationMs > 0 && s.DurationMs >= s.MaxDurationMs
}

// Sweep closes every active session that hit its deadline or duration cap.
// Each session is handled independently; one failure never blocks the rest.
// Returns the number of sessions closed.
func Sweep(ctx context.Context, db *gorm.DB, policies quota.PolicySet, notifier reservation.ShutdownNotifier, now time.Time, out io.Writer) (int, error) {
	if out == nil {
		out = io.Discard
	}
	sessions, err := ledger.ListActive(db)
	if err != nil {
		return 0, fmt.Errorf("watchdog: sweep: %w", err)
	}

	closed := 0
	for i := range sessions {
		s := &sessions[i]
		if !due(s, now) {
			continue
		}
		if err := forceClose(ctx, db, policies, notifier, s, models.ShutdownQuotaExceeded, now); err != nil {
			log.Printf("watchdog: session %d: %v", s.ID, err)
			continue
		}
		fmt.Fprintf(out, "Forced stop of %s (session %d hit its limit)\n", s.WorkerID, s.ID)
		closed++
	}
	return closed, nil
}

// RecoverOrphans closes active sessions whose deadline passed while no
// daemon was running. Called once at startup, before the periodic sweep
// takes over; the distinct shutdown reason marks these as recovered leaks
// rather than routine enforcement.
func RecoverOrphans(ctx context.Context, db *gorm.DB, policies quota.PolicySet, notifier reservation.ShutdownNotifier, now time.Time, out io.Writer) (int, error) {
	if out == nil {
		out = io.Discard
	}
	sessions, err := ledger.ListActive(db)
	if err != nil {
		return 0, fmt.Errorf("watchdog: recover orphans: %w", err)
	}

	recovered := 0
	for i := range sessions {
		s := &sessions[i]
		if now.Before(s.AutoShutdownAt) {
			continue
		}
		if err := forceClose(ctx, db, policies, notifier, s, models.ShutdownOrphanedRecovery, now); err != nil {
			log.Printf("watchdog: orphan session %d: %v", s.ID, err)
			continue
		}
		fmt.Fprintf(out, "Recovered orphaned session %d on %s\n", s.ID, s.WorkerID)
		recovered++
	}
	return recovered, nil
}

// forceClose stops one session: best-effort remote shutdown, then the ledger
// close that settles quota. A shutdown refusal is alerted as a possible
// leaked kernel but never stops the close.
func forceClose(ctx context.Context, db *gorm.DB, policies quota.PolicySet, notifier reservation.ShutdownNotifier, s *models.WorkerSession, reason string, now time.Time) error {
	worker, err := registry.Get(db, s.WorkerID)
	if err != nil {
		return fmt.Errorf("load worker: %w", err)
	}

	policy, ok := policies.Get(s.Provider)
	if !ok {
		log.Printf("watchdog: no policy for provider %s, closing session %d without quota settle", s.Provider, s.ID)
	}

	if notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := notifier.Notify(nctx, worker)
		cancel()
		if err != nil {
			log.Printf("watchdog: remote shutdown of %s failed: %v", s.WorkerID, err)
			if _, aerr := alerts.Record(db, alerts.KindShutdownFailed,
				fmt.Sprintf("remote shutdown failed, kernel may still be running: %v", err),
				alerts.RecordOpts{Severity: alerts.SeverityCritical, WorkerID: s.WorkerID, SessionID: s.ID}); aerr != nil {
				log.Printf("watchdog: %v", aerr)
			}
		}
	}

	if err := ledger.Close(db, s.ID, reason, policy, now); err != nil {
		return err
	}

	kind := alerts.KindForcedStop
	message := fmt.Sprintf("session stopped after %s, %s limit reached", runtimeOf(s, now), s.Provider)
	if reason == models.ShutdownOrphanedRecovery {
		kind = alerts.KindOrphanRecovered
		message = fmt.Sprintf("session found past its deadline and closed, started %s", s.StartedAt.Format(time.RFC3339))
	}
	if _, err := alerts.Record(db, kind, message,
		alerts.RecordOpts{Severity: alerts.SeverityWarning, WorkerID: s.WorkerID, SessionID: s.ID}); err != nil {
		log.Printf("watchdog: %v", err)
	}
	return nil
}

// runtimeOf renders the better of wall-clock and heartbeat-reported runtime.
func runtimeOf(s *models.WorkerSession, now time.Time) time.Duration {
	elapsed := now.Sub(s.StartedAt)
	if hb := time.Duration(s.DurationMs) * time.Millisecond; hb > elapsed {
		elapsed = hb
	}
	return elapsed.Round(time.Second)
}

// Run loops the deadline sweep until the context ends. An orphan recovery
// pass runs first so time spent down is settled before new work starts.
func Run(ctx context.Context, db *gorm.DB, policies quota.PolicySet, notifier reservation.ShutdownNotifier, interval time.Duration, out io.Writer) error {
	if db == nil {
		return fmt.Errorf("watchdog: db is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if out == nil {
		out = io.Discard
	}

	recovered, err := RecoverOrphans(ctx, db, policies, notifier, time.Now(), out)
	if err != nil {
		log.Printf("watchdog recovery error: %v", err)
	} else if recovered > 0 {
		fmt.Fprintf(out, "Recovered %d orphaned session(s)\n", recovered)
	}

	fmt.Fprintf(out, "Watchdog starting (sweep every %s)...\n", interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := Sweep(ctx, db, policies, notifier, time.Now(), out); err != nil {
			log.Printf("watchdog sweep error: %v", err)
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
