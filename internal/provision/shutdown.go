package provision

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
)

// HTTPShutdown asks a worker's kernel to stop through the endpoint it
// registered. Free-tier kernels usually die on their own schedule; this is a
// courtesy request, and callers already treat failures as non-fatal.
type HTTPShutdown struct {
	client *http.Client
}

// NewHTTPShutdown builds the notifier.
func NewHTTPShutdown() *HTTPShutdown {
	return &HTTPShutdown{client: &http.Client{Timeout: 15 * time.Second}}
}

// Notify posts a shutdown request to the worker's endpoint.
func (h *HTTPShutdown) Notify(ctx context.Context, w *models.Worker) error {
	if w.EndpointURL == "" {
		return fmt.Errorf("provision: worker %s has no endpoint to notify", w.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.EndpointURL+"/shutdown", nil)
	if err != nil {
		return fmt.Errorf("provision: shutdown request for %s: %w", w.ID, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provision: shutdown %s: %w", w.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provision: shutdown %s: %s", w.ID, resp.Status)
	}
	return nil
}
