package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"

	"ticket-scan/internal/services"
	"ticket-scan/internal/store"
	"ticket-scan/utils"
)

// QueueHandler serves the read-only views: device sync queues, predicted
// entrance wait and service health.
type QueueHandler struct {
	syncStatus *services.SyncStatusService
	estimator  *services.Estimator
	store      *store.Store
	redis      *redis.Client
}

func NewQueueHandler(syncStatus *services.SyncStatusService, estimator *services.Estimator, st *store.Store, redisClient *redis.Client) *QueueHandler {
	return &QueueHandler{
		syncStatus: syncStatus,
		estimator:  estimator,
		store:      st,
		redis:      redisClient,
	}
}

// GetSyncDashboard - sync status of every device that has synced
func (h *QueueHandler) GetSyncDashboard(e *core.RequestEvent) error {
	devices, err := h.syncStatus.Devices(e.Request.Context())
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"devices": devices})
}

// GetDeviceSyncStatus - sync status and recent history of one device
func (h *QueueHandler) GetDeviceSyncStatus(e *core.RequestEvent) error {
	st, err := h.syncStatus.Status(e.Request.Context(), e.Request.PathValue("deviceId"))
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, st)
}

// GetWaitEstimate - predicted entrance wait for an event
func (h *QueueHandler) GetWaitEstimate(e *core.RequestEvent) error {
	est, err := h.estimator.Estimate(e.Request.Context(), e.Request.PathValue("eventRef"))
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, est)
}

// Health reports whether Redis and the scan store answer.
func (h *QueueHandler) Health(e *core.RequestEvent) error {
	checks := map[string]string{"redis": "ok", "store": "ok"}
	healthy := true
	if err := utils.RedisHealthCheck(h.redis); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}
	if err := h.store.Ping(context.WithoutCancel(e.Request.Context())); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if !healthy {
		return e.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "checks": checks})
	}
	return e.JSON(http.StatusOK, map[string]any{"status": "healthy", "checks": checks})
}
