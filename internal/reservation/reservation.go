// Package reservation implements the start/stop protocol for worker
// sessions. Starting runs in three phases: a short locked transaction that
// claims the worker with a random token, an unlocked external provisioning
// call that may take minutes, and a second short locked transaction that
// verifies the token before promoting the claim to a session. The token
// check is what makes the unlocked middle phase safe: if another process
// reclaimed the worker while provisioning ran, the promotion aborts without
// touching the row.
package reservation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/config"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"gorm.io/gorm"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultLaunchTimeout = 5 * time.Minute
	defaultNotifyTimeout = 30 * time.Second
)

// ErrNotConfigured marks a launch that failed because the worker's account
// has no credentials, a normal condition distinct from a broken external
// call. Provisioners wrap it so refusals report NotConfigured instead of
// ProvisioningFailed.
var ErrNotConfigured = errors.New("account not configured")

// LaunchResult is what a Provisioner reports after starting a remote kernel.
type LaunchResult struct {
	EndpointURL string
	ExternalID  string
}

// Provisioner creates and starts the remote compute session. Calls may take
// minutes; no database lock is held while one runs, and no retries happen
// here.
type Provisioner interface {
	Launch(ctx context.Context, w *models.Worker) (*LaunchResult, error)
}

// ShutdownNotifier asks the remote resource to stop. Best effort: failures
// are logged, never fatal, because the ledger must close the session whether
// or not the remote side obeys.
type ShutdownNotifier interface {
	Notify(ctx context.Context, w *models.Worker) error
}

// StartResult is the structured outcome of a start attempt. Refusals carry
// a taxonomy code and a human-readable reason instead of an error; callers
// decide whether to try another worker.
type StartResult struct {
	Success     bool
	WorkerID    string
	EndpointURL string
	Code        string
	Reason      string
}

// StopResult reports whether a stop attempt found a session to close.
type StopResult struct {
	Stopped bool
	Reason  string
}

// Coordinator runs the reservation protocol. It holds no session state in
// memory; every decision reads the durable rows, so any number of
// coordinator processes can run against the same store.
type Coordinator struct {
	db            *gorm.DB
	policies      quota.PolicySet
	provisioner   Provisioner
	notifier      ShutdownNotifier
	ttl           time.Duration
	launchTimeout time.Duration
}

// New builds a coordinator from configuration.
func New(db *gorm.DB, policies quota.PolicySet, provisioner Provisioner, notifier ShutdownNotifier, cfg config.ReservationConfig) *Coordinator {
	ttl := time.Duration(cfg.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = defaultTTL
	}
	launchTimeout := time.Duration(cfg.LaunchTimeoutSeconds) * time.Second
	if launchTimeout <= 0 {
		launchTimeout = defaultLaunchTimeout
	}
	return &Coordinator{
		db:            db,
		policies:      policies,
		provisioner:   provisioner,
		notifier:      notifier,
		ttl:           ttl,
		launchTimeout: launchTimeout,
	}
}

// NewToken creates a random reservation token (32-char hex).
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reservation: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func refusal(code, format string, args ...interface{}) *StartResult {
	return &StartResult{Code: code, Reason: fmt.Sprintf(format, args...)}
}
