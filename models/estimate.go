package models

import "time"

type VelocitySource string

const (
	VelocityLive       VelocitySource = "live"
	VelocityHistorical VelocitySource = "historical"
	VelocityDefault    VelocitySource = "default"
)

type WaitEstimate struct {
	EventRef             string         `json:"event_ref"`
	Velocity             float64        `json:"velocity_per_minute"`
	VelocitySource       VelocitySource `json:"velocity_source"`
	ActiveDevices        int            `json:"active_devices"`
	QueueDepthEstimate   int            `json:"queue_depth_estimate"`
	PredictedWaitMinutes int            `json:"predicted_wait_minutes"`
	ConfidenceScore      float64        `json:"confidence_score"`
	ComputedAt           time.Time      `json:"computed_at"`
}
