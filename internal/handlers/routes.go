package handlers

import (
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Guard verifies signed requests before the handler runs.
type Guard interface {
	Middleware(e *core.RequestEvent) error
}

type Routes struct {
	Guard   Guard
	Scans   *ScanHandler
	Tickets *TicketHandler
	Admin   *AdminHandler
	Queue   *QueueHandler

	// EnableMetrics exposes the prometheus registry at /metrics.
	EnableMetrics bool
}

// Register mounts the API. Every write goes through the replay guard.
func (rt Routes) Register(r *router.Router[*core.RequestEvent]) {
	v1 := r.Group("/api/v1")

	// Ingestion
	v1.POST("/webhooks/tickets", rt.Tickets.IssueTickets).BindFunc(rt.Guard.Middleware)
	v1.POST("/scans", rt.Scans.Scan).BindFunc(rt.Guard.Middleware)
	v1.POST("/scans/sync", rt.Scans.Sync).BindFunc(rt.Guard.Middleware)
	v1.POST("/devices/manifest", rt.Scans.Manifest).BindFunc(rt.Guard.Middleware)

	// Admin
	v1.POST("/admin/tickets/{ref}/void", rt.Admin.VoidTicket).BindFunc(rt.Guard.Middleware)
	v1.POST("/admin/tickets/{ref}/refund", rt.Admin.RefundTicket).BindFunc(rt.Guard.Middleware)
	v1.GET("/admin/audit", rt.Admin.GetAudit)
	v1.GET("/events/{eventRef}/overrides", rt.Admin.GetOverrides)

	// Read-only views
	v1.GET("/sync/status", rt.Queue.GetSyncDashboard)
	v1.GET("/sync/status/{deviceId}", rt.Queue.GetDeviceSyncStatus)
	v1.GET("/events/{eventRef}/wait", rt.Queue.GetWaitEstimate)

	r.GET("/health", rt.Queue.Health)
	if rt.EnableMetrics {
		r.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
	}
}
