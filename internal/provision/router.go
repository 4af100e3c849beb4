package provision

import (
	"context"
	"fmt"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
)

// Router dispatches launches to the provider-specific provisioner. A worker
// whose provider has none registered is refused as not configured rather
// than failed.
type Router struct {
	byProvider map[string]reservation.Provisioner
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{byProvider: make(map[string]reservation.Provisioner)}
}

// Register binds a provisioner to a provider name.
func (r *Router) Register(provider string, p reservation.Provisioner) {
	r.byProvider[provider] = p
}

// Launch forwards to the worker's provider provisioner.
func (r *Router) Launch(ctx context.Context, w *models.Worker) (*reservation.LaunchResult, error) {
	p, ok := r.byProvider[w.Provider]
	if !ok {
		return nil, fmt.Errorf("provision: no provisioner for provider %q: %w",
			w.Provider, reservation.ErrNotConfigured)
	}
	return p.Launch(ctx, w)
}
