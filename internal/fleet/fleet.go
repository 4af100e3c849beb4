// Package fleet answers the dispatcher's question: give me a worker that can
// take load. It reuses an online worker when one exists and otherwise walks
// the eligible candidates through the reservation coordinator, collecting
// every refusal so the caller learns exactly why nothing could start.
package fleet

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/alerts"
	"github.com/fillipeguerrabtc/gpuplane/internal/ledger"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"gorm.io/gorm"
)

// Preferences narrows worker selection.
type Preferences struct {
	Provider string // restrict to one provider; empty considers the whole fleet
}

// EnsureResult reports how a ready worker was obtained, or why none could be.
type EnsureResult struct {
	Available   bool
	WorkerID    string
	EndpointURL string
	StartedNew  bool
	Reason      string
}

// EnsureAvailable returns a worker ready to serve. An already-online worker
// is reused without touching quota; otherwise each candidate is offered to
// the reservation coordinator until one starts. When every candidate is
// refused the result carries the per-worker reasons, so operators see
// "quota exhausted" or "cooling down until ..." instead of a bare failure.
// That refusal is also recorded as an ops event for the alert channels.
func EnsureAvailable(ctx context.Context, db *gorm.DB, coord *reservation.Coordinator, prefs Preferences) (*EnsureResult, error) {
	workers, err := listWorkers(db, prefs)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		if prefs.Provider != "" {
			return &EnsureResult{Reason: fmt.Sprintf("no %s workers registered", prefs.Provider)}, nil
		}
		return &EnsureResult{Reason: "no workers registered"}, nil
	}

	for i := range workers {
		w := &workers[i]
		if w.Status == models.WorkerOnline {
			return &EnsureResult{
				Available:   true,
				WorkerID:    w.ID,
				EndpointURL: w.EndpointURL,
			}, nil
		}
	}

	var refusals []string
	for i := range workers {
		w := &workers[i]
		res, err := coord.StartSession(ctx, w.ID, "ensure_available")
		if err != nil {
			return nil, fmt.Errorf("fleet: start %s: %w", w.ID, err)
		}
		if res.Success {
			return &EnsureResult{
				Available:   true,
				WorkerID:    res.WorkerID,
				EndpointURL: res.EndpointURL,
				StartedNew:  true,
			}, nil
		}
		refusals = append(refusals, fmt.Sprintf("%s: %s", w.ID, res.Reason))
	}

	reason := "no worker could be started: " + strings.Join(refusals, "; ")
	if _, err := alerts.Record(db, alerts.KindStartRefused, reason,
		alerts.RecordOpts{Severity: alerts.SeverityWarning}); err != nil {
		log.Printf("fleet: %v", err)
	}
	return &EnsureResult{Reason: reason}, nil
}

func listWorkers(db *gorm.DB, prefs Preferences) ([]models.Worker, error) {
	if prefs.Provider != "" {
		return registry.ListByProvider(db, prefs.Provider)
	}
	return registry.List(db)
}

// Status is the observability view of one worker. QuotaUsed and
// QuotaRemaining follow the provider family's governing meter: the weekly
// counter for usage-metered providers, the current session against its
// ceiling for cooldown-metered ones.
type Status struct {
	WorkerID    string
	Provider    string
	Family      string
	Status      string
	EndpointURL string

	QuotaUsedSeconds         int64
	QuotaRemainingSeconds    int64
	CooldownRemainingSeconds int64
	SessionRuntimeSeconds    int64
	ActiveSessionID          uint
}

// GetStatus reports a worker's lifecycle state and quota position.
func GetStatus(db *gorm.DB, policies quota.PolicySet, workerID string, now time.Time) (*Status, error) {
	w, err := registry.Get(db, workerID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		WorkerID:    w.ID,
		Provider:    w.Provider,
		Status:      w.Status,
		EndpointURL: w.EndpointURL,
	}

	session, err := ledger.Active(db, workerID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		st.ActiveSessionID = session.ID
		st.SessionRuntimeSeconds = sessionRuntime(session, now)
	}

	policy, ok := policies.Get(w.Provider)
	if !ok {
		return st, nil
	}
	st.Family = policy.Family

	switch policy.Family {
	case quota.FamilyUsage:
		used := int64(quota.EffectiveWeeklyUsage(w, now).Seconds())
		st.QuotaUsedSeconds = used
		if budget := int64(policy.WeeklyBudget().Seconds()); budget > used {
			st.QuotaRemainingSeconds = budget - used
		}
	case quota.FamilyCooldown:
		st.QuotaUsedSeconds = st.SessionRuntimeSeconds
		if budget := int64(policy.MaxSessionDuration().Seconds()); budget > st.QuotaUsedSeconds {
			st.QuotaRemainingSeconds = budget - st.QuotaUsedSeconds
		}
		if w.CooldownUntil != nil && now.Before(*w.CooldownUntil) {
			st.CooldownRemainingSeconds = int64(w.CooldownUntil.Sub(now).Seconds())
		}
	}
	return st, nil
}

// sessionRuntime prefers the heartbeat-reported duration over wall clock.
func sessionRuntime(s *models.WorkerSession, now time.Time) int64 {
	runtime := s.DurationMs / 1000
	if wall := int64(now.Sub(s.StartedAt).Seconds()); wall > runtime {
		runtime = wall
	}
	return runtime
}
