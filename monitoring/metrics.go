package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_outcomes_total",
			Help: "Scan decisions by event and result",
		},
		[]string{"event_ref", "result"},
	)

	applyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_apply_retries_total",
			Help: "State machine re-runs after a lost conditional update",
		},
	)

	attemptIDCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_attempt_id_collisions_total",
			Help: "Scans whose attempt id already held another credential's decision",
		},
	)

	syncBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Device sync batches handled by the reconciler",
		},
		[]string{"status"},
	)

	syncBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_batch_size",
			Help:    "Scan attempts per sync batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	replayRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_guard_rejections_total",
			Help: "Requests rejected by the replay guard",
		},
		[]string{"reason"},
	)

	blockedSources = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_guard_blocked_sources_total",
			Help: "Sources temporarily blocked after repeated security rejections",
		},
	)

	predictedWait = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "predicted_wait_minutes",
			Help: "Latest predicted entry wait per event",
		},
		[]string{"event_ref"},
	)

	waitConfidence = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wait_estimate_confidence",
			Help: "Confidence of the latest wait estimate per event",
		},
		[]string{"event_ref"},
	)

	deviceQueueEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "device_queue_entries",
			Help: "Offline queue entries last reported by each device",
		},
		[]string{"device_id", "queue_status"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// QueueCountsSource reports the last known queue counts of every device,
// keyed by device id then queue status.
type QueueCountsSource interface {
	DeviceQueueCounts(ctx context.Context) (map[string]map[string]int, error)
}

type Monitor struct {
	source   QueueCountsSource
	interval time.Duration
}

func NewMonitor(source QueueCountsSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{source: source, interval: interval}
}

// Run collects gauges until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) Collect(ctx context.Context) {
	goroutineCount.Set(float64(runtime.NumGoroutine()))

	if m.source == nil {
		return
	}
	counts, err := m.source.DeviceQueueCounts(ctx)
	if err != nil {
		slog.Error("collect device queue metrics", "error", err)
		return
	}
	for deviceID, byStatus := range counts {
		SetDeviceQueue(deviceID, byStatus)
	}
}

func TrackScanOutcome(eventRef, result string) {
	scanOutcomes.WithLabelValues(eventRef, result).Inc()
}

func TrackApplyRetry() {
	applyRetries.Inc()
}

func TrackAttemptIDCollision() {
	attemptIDCollisions.Inc()
}

func TrackSyncBatch(status string, size int) {
	syncBatches.WithLabelValues(status).Inc()
	syncBatchSize.Observe(float64(size))
}

func TrackReplayRejection(reason string) {
	replayRejections.WithLabelValues(reason).Inc()
}

func TrackBlockedSource() {
	blockedSources.Inc()
}

func TrackWaitEstimate(eventRef string, minutes, confidence float64) {
	predictedWait.WithLabelValues(eventRef).Set(minutes)
	waitConfidence.WithLabelValues(eventRef).Set(confidence)
}

func SetDeviceQueue(deviceID string, byStatus map[string]int) {
	for queueStatus, n := range byStatus {
		deviceQueueEntries.WithLabelValues(deviceID, queueStatus).Set(float64(n))
	}
}
