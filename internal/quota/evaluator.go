package quota

import (
	"fmt"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
)

// Refusal codes. These are the structured failure reasons the control plane
// reports instead of raising errors; callers branch on the code and show the
// human-readable reason to operators.
const (
	ReasonQuotaExceeded             = "QuotaExceeded"
	ReasonCooldownActive            = "CooldownActive"
	ReasonConcurrentSessionConflict = "ConcurrentSessionConflict"
	ReasonReservationTokenMismatch  = "ReservationTokenMismatch"
	ReasonProvisioningFailed        = "ProvisioningFailed"
	ReasonNotConfigured             = "NotConfigured"
)

// Decision is the outcome of a start-eligibility check.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
}

func refuse(code, format string, args ...interface{}) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Snapshot is the fleet state the evaluator needs beyond the candidate row.
// Callers assemble it under the same row locks that protect the candidate,
// so the counts cannot change while the decision is being made.
type Snapshot struct {
	// ActivePeers counts same-provider workers other than the candidate
	// that hold an unexpired reservation or a live session. Usage-metered
	// providers share one upstream account, so any active peer blocks.
	ActivePeers int
}

// CanStart decides whether the worker may begin a new session now. It is a
// pure function of its inputs; all durable reads happen in the caller.
func CanStart(w *models.Worker, p Policy, snap Snapshot, now time.Time) Decision {
	switch w.Status {
	case models.WorkerStarting:
		if w.ReservationExpiresAt != nil && now.Before(*w.ReservationExpiresAt) {
			return refuse(ReasonConcurrentSessionConflict,
				"worker %s already holds a reservation until %s",
				w.ID, w.ReservationExpiresAt.Format(time.RFC3339))
		}
		// Expired reservation: the previous attempt crashed mid-launch.
		// The worker is fair game for a new reservation.
	case models.WorkerPending, models.WorkerOnline, models.WorkerUnhealthy:
		return refuse(ReasonConcurrentSessionConflict,
			"worker %s already has an active session (status %s)", w.ID, w.Status)
	}

	switch p.Family {
	case FamilyUsage:
		if snap.ActivePeers > 0 {
			return refuse(ReasonConcurrentSessionConflict,
				"another %s session is already active in the fleet", p.Provider)
		}
		used := EffectiveWeeklyUsage(w, now)
		if used >= p.WeeklyBudget() {
			return refuse(ReasonQuotaExceeded,
				"worker %s used %s of its %s weekly budget", w.ID, used, p.WeeklyBudget())
		}
	case FamilyCooldown:
		if w.CooldownUntil != nil && now.Before(*w.CooldownUntil) {
			return refuse(ReasonCooldownActive,
				"worker %s is cooling down until %s",
				w.ID, w.CooldownUntil.Format(time.RFC3339))
		}
	}

	return Decision{Allowed: true}
}
