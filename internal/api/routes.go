package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fillipeguerrabtc/gpuplane/internal/fleet"
	"github.com/fillipeguerrabtc/gpuplane/internal/ledger"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	"github.com/fillipeguerrabtc/gpuplane/internal/quota"
	"github.com/fillipeguerrabtc/gpuplane/internal/registry"
	"github.com/fillipeguerrabtc/gpuplane/internal/reservation"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	gpu := router.Group("/api/gpu")

	// Worker-facing: the bootstrap notebook calls these.
	gpu.POST("/workers/register", handleRegister(opts.DB))
	gpu.POST("/workers/:id/heartbeat", handleHeartbeat(opts.DB, opts.HeartbeatInterval))

	// Operator-facing.
	gpu.GET("/workers", handleWorkerList(opts.DB))
	gpu.GET("/workers/:id", handleWorkerStatus(opts.DB, opts.Policies))
	gpu.POST("/workers/:id/health", handleHealth(opts.DB))
	gpu.POST("/workers/:id/stop", handleStop(opts.Coordinator))
	gpu.POST("/ensure", handleEnsure(opts.DB, opts.Coordinator))
}

type registerRequest struct {
	WorkerID     string                 `json:"workerId"`
	Provider     string                 `json:"provider"`
	NgrokURL     string                 `json:"ngrokUrl"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

type heartbeatRequest struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
}

type healthRequest struct {
	Healthy *bool `json:"healthy"`
}

type ensureRequest struct {
	Provider string `json:"provider"`
}

type workerView struct {
	ID                 string                 `json:"id"`
	Provider           string                 `json:"provider"`
	Status             string                 `json:"status"`
	AccountID          string                 `json:"accountId,omitempty"`
	EndpointURL        string                 `json:"endpointUrl,omitempty"`
	Capabilities       map[string]interface{} `json:"capabilities,omitempty"`
	WeeklyUsageSeconds int64                  `json:"weeklyUsageSeconds"`
	CooldownUntil      *time.Time             `json:"cooldownUntil,omitempty"`
	LastHeartbeatAt    *time.Time             `json:"lastHeartbeatAt,omitempty"`
}

type statusView struct {
	WorkerID    string `json:"workerId"`
	Provider    string `json:"provider"`
	Family      string `json:"family"`
	Status      string `json:"status"`
	EndpointURL string `json:"endpointUrl,omitempty"`

	QuotaUsedSeconds         int64 `json:"quotaUsedSeconds"`
	QuotaRemainingSeconds    int64 `json:"quotaRemainingSeconds"`
	CooldownRemainingSeconds int64 `json:"cooldownRemainingSeconds"`
	SessionRuntimeSeconds    int64 `json:"sessionRuntimeSeconds"`
	ActiveSessionID          uint  `json:"activeSessionId,omitempty"`
}

type stopView struct {
	Stopped bool   `json:"stopped"`
	Reason  string `json:"reason,omitempty"`
}

type ensureView struct {
	Available   bool   `json:"available"`
	WorkerID    string `json:"workerId,omitempty"`
	EndpointURL string `json:"endpointUrl,omitempty"`
	StartedNew  bool   `json:"startedNew"`
	Reason      string `json:"reason,omitempty"`
}

func viewOf(w *models.Worker) workerView {
	v := workerView{
		ID:                 w.ID,
		Provider:           w.Provider,
		Status:             w.Status,
		AccountID:          w.AccountID,
		EndpointURL:        w.EndpointURL,
		WeeklyUsageSeconds: w.WeeklyUsageSeconds,
		CooldownUntil:      w.CooldownUntil,
		LastHeartbeatAt:    w.LastHeartbeatAt,
	}
	if w.Capabilities != "" {
		var caps map[string]interface{}
		if err := json.Unmarshal([]byte(w.Capabilities), &caps); err == nil {
			v.Capabilities = caps
		}
	}
	return v
}

// handleRegister is the callback a freshly booted kernel posts once its
// tunnel is up. With a workerId it binds the endpoint to the row the start
// protocol left in pending; without one it adopts the kernel as a new
// worker, which covers notebooks someone started by hand.
func handleRegister(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		now := time.Now()

		if req.WorkerID == "" {
			if req.Provider == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
				return
			}
			worker, err := registry.Adopt(db, registry.AddOpts{
				Provider:     req.Provider,
				Capabilities: req.Capabilities,
			}, req.NgrokURL, now)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, viewOf(worker))
			return
		}

		worker, err := registry.Get(db, req.WorkerID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := registry.MarkOnline(db, req.WorkerID, req.NgrokURL, now); err != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error": fmt.Sprintf("worker %s is %s and cannot register", req.WorkerID, worker.Status),
			})
			return
		}
		if len(req.Capabilities) > 0 {
			if err := registry.SetCapabilities(db, req.WorkerID, req.Capabilities); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		worker, err = registry.Get(db, req.WorkerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, viewOf(worker))
	}
}

func handleHeartbeat(db *gorm.DB, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		id := c.Param("id")
		now := time.Now()

		worker, err := registry.Get(db, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := advanceSession(db, worker, req.UptimeSeconds, interval, now); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := registry.TouchHeartbeat(db, id, now); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		status := worker.Status
		if status == models.WorkerPending {
			if err := registry.PromotePending(db, id, now); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			status = models.WorkerOnline
		}

		c.JSON(http.StatusOK, gin.H{"workerId": id, "status": status})
	}
}

// advanceSession applies a heartbeat's runtime evidence to the active
// session, if any. A worker-reported uptime is authoritative. Without one,
// the wall time since the last heartbeat is added instead, capped at twice
// the report interval so a worker that was silent for an hour cannot dump
// that hour into the ledger on its first beat back.
func advanceSession(db *gorm.DB, w *models.Worker, uptimeSeconds int64, interval time.Duration, now time.Time) error {
	session, err := ledger.Active(db, w.ID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	durationMs := session.DurationMs
	if uptimeSeconds > 0 {
		durationMs = uptimeSeconds * 1000
	} else if w.LastHeartbeatAt != nil {
		delta := now.Sub(*w.LastHeartbeatAt)
		if maxDelta := 2 * interval; delta > maxDelta {
			delta = maxDelta
		}
		if delta > 0 {
			durationMs = session.DurationMs + delta.Milliseconds()
		}
	}
	if durationMs <= session.DurationMs {
		return nil
	}
	return ledger.Advance(db, session.ID, durationMs)
}

func handleWorkerList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers, err := registry.List(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]workerView, 0, len(workers))
		for i := range workers {
			views = append(views, viewOf(&workers[i]))
		}
		c.JSON(http.StatusOK, views)
	}
}

func handleWorkerStatus(db *gorm.DB, policies quota.PolicySet) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := fleet.GetStatus(db, policies, c.Param("id"), time.Now())
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, statusView{
			WorkerID:                 st.WorkerID,
			Provider:                 st.Provider,
			Family:                   st.Family,
			Status:                   st.Status,
			EndpointURL:              st.EndpointURL,
			QuotaUsedSeconds:         st.QuotaUsedSeconds,
			QuotaRemainingSeconds:    st.QuotaRemainingSeconds,
			CooldownRemainingSeconds: st.CooldownRemainingSeconds,
			SessionRuntimeSeconds:    st.SessionRuntimeSeconds,
			ActiveSessionID:          st.ActiveSessionID,
		})
	}
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req healthRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Healthy == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "healthy is required"})
			return
		}

		id := c.Param("id")
		if _, err := registry.Get(db, id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := registry.SetHealth(db, id, *req.Healthy, time.Now()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		status := models.WorkerUnhealthy
		if *req.Healthy {
			status = models.WorkerOnline
		}
		c.JSON(http.StatusOK, gin.H{"workerId": id, "status": status})
	}
}

func handleStop(coord *reservation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := coord.StopSession(c.Request.Context(), c.Param("id"), models.ShutdownAdminOverride)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stopView{Stopped: res.Stopped, Reason: res.Reason})
	}
}

func handleEnsure(db *gorm.DB, coord *reservation.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ensureRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		res, err := fleet.EnsureAvailable(c.Request.Context(), db, coord, fleet.Preferences{Provider: req.Provider})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ensureView{
			Available:   res.Available,
			WorkerID:    res.WorkerID,
			EndpointURL: res.EndpointURL,
			StartedNew:  res.StartedNew,
			Reason:      res.Reason,
		})
	}
}
