// Package api exposes the control plane over HTTP. Workers call it to
// register their tunnel endpoint and to heartbeat; operators and jobs call
// it to inspect the fleet, guarantee an available worker, and force
// sessions closed. Every handler reads and writes durable rows only, so any
// number of API processes can serve the same fleet.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const defaultHeartbeatInterval = 30 * time.Second

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB          *gorm.DB
	Policies    quota.PolicySet
	Coordinator *reservation.Coordinator

	// HeartbeatInterval is the cadence workers are told to report at. It
	// bounds how much wall-clock runtime a single heartbeat may add when
	// the worker does not report its own uptime.
	HeartbeatInterval time.Duration

	Port int
	Out  io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Coordinator == nil {
		return fmt.Errorf("api: coordinator is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Control plane API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// newRouter builds the Gin engine with all routes registered.
func newRouter(opts StartOpts) *gin.Engine {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
