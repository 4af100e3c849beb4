// Package quota decides whether a worker may start a session without
// endangering its provider account. Every limit enforced here is a fraction
// of the vendor's official number; the fraction (safety margin) and the
// official numbers all come from configuration.
package quota

import (
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
)

// WindowLength is the span of one weekly usage window for usage-metered
// providers. Usage accumulated before the window opened does not count.
const WindowLength = 7 * 24 * time.Hour

// Provider families, re-exported so quota callers need not import config.
const (
	FamilyUsage    = config.FamilyUsage
	FamilyCooldown = config.FamilyCooldown
)

// Policy is the quota policy for one provider, with official vendor limits
// and the safety margin gpuplane actually enforces.
type Policy struct {
	Provider     string
	Family       string
	SessionLimit time.Duration
	WeeklyLimit  time.Duration
	Cooldown     time.Duration
	SafetyMargin float64
}

// MaxSessionDuration returns the enforced per-session runtime cap, the
// safety-margin fraction of the official session limit.
func (p Policy) MaxSessionDuration() time.Duration {
	return time.Duration(float64(p.SessionLimit) * p.SafetyMargin)
}

// WeeklyBudget returns the enforced weekly usage cap for usage-metered
// providers. Zero for cooldown-metered providers.
func (p Policy) WeeklyBudget() time.Duration {
	return time.Duration(float64(p.WeeklyLimit) * p.SafetyMargin)
}

// PolicySet maps provider name to its policy.
type PolicySet map[string]Policy

// FromConfig builds the policy set from provider configuration.
func FromConfig(cfg *config.Config) PolicySet {
	ps := make(PolicySet, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		ps[name] = Policy{
			Provider:     name,
			Family:       pc.Family,
			SessionLimit: time.Duration(pc.SessionLimitHours * float64(time.Hour)),
			WeeklyLimit:  time.Duration(pc.WeeklyLimitHours * float64(time.Hour)),
			Cooldown:     time.Duration(pc.CooldownHours * float64(time.Hour)),
			SafetyMargin: pc.SafetyMargin,
		}
	}
	return ps
}

// Get returns the policy for a provider.
func (ps PolicySet) Get(provider string) (Policy, bool) {
	p, ok := ps[provider]
	return p, ok
}

// WindowExpired reports whether the worker's weekly usage window has rolled
// over. A worker that never started a window has nothing to expire.
func WindowExpired(w *models.Worker, now time.Time) bool {
	if w.WeekStartedAt == nil {
		return false
	}
	return !now.Before(w.WeekStartedAt.Add(WindowLength))
}

// EffectiveWeeklyUsage returns the usage that counts against the current
// window. Usage from an expired window is ignored even if the periodic reset
// has not yet zeroed the row, so a daemon that slept through the reset still
// evaluates correctly.
func EffectiveWeeklyUsage(w *models.Worker, now time.Time) time.Duration {
	if WindowExpired(w, now) {
		return 0
	}
	return time.Duration(w.WeeklyUsageSeconds) * time.Second
}
