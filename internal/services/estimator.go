package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-scan/models"
	"ticket-scan/monitoring"
	"ticket-scan/utils"
)

// ScanStats is the read-only view of the scan stream the estimator needs.
type ScanStats interface {
	CountAdmittedSince(ctx context.Context, eventRef string, since time.Time) (int, error)
	CountAdmitted(ctx context.Context, eventRef string) (int, error)
	CountTickets(ctx context.Context, eventRef string) (int, error)
	CountActiveDevices(ctx context.Context, eventRef string, since time.Time) (int, error)
}

// VelocityHistory remembers past admission velocity per event.
type VelocityHistory interface {
	Velocity(ctx context.Context, eventRef string) (float64, bool, error)
	Observe(ctx context.Context, eventRef string, velocity float64) error
}

type EstimatorConfig struct {
	Window          time.Duration
	Efficiency      float64
	DefaultVelocity float64
}

// Estimator predicts the entry wait of an event. It never writes ticket state.
type Estimator struct {
	stats   ScanStats
	history VelocityHistory
	clock   utils.Clock
	cfg     EstimatorConfig
}

func NewEstimator(stats ScanStats, history VelocityHistory, clock utils.Clock, cfg EstimatorConfig) *Estimator {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Efficiency <= 0 || cfg.Efficiency > 1 {
		cfg.Efficiency = 0.85
	}
	if cfg.DefaultVelocity <= 0 {
		cfg.DefaultVelocity = 6
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Estimator{stats: stats, history: history, clock: clock, cfg: cfg}
}

// liveSaturation is the admission count in the window at which live
// velocity is fully trusted.
const liveSaturation = 30

func (e *Estimator) Estimate(ctx context.Context, eventRef string) (models.WaitEstimate, error) {
	now := e.clock.Now()
	since := now.Add(-e.cfg.Window)

	inWindow, err := e.stats.CountAdmittedSince(ctx, eventRef, since)
	if err != nil {
		return models.WaitEstimate{}, fmt.Errorf("count window admissions: %w", err)
	}
	admitted, err := e.stats.CountAdmitted(ctx, eventRef)
	if err != nil {
		return models.WaitEstimate{}, fmt.Errorf("count admissions: %w", err)
	}
	total, err := e.stats.CountTickets(ctx, eventRef)
	if err != nil {
		return models.WaitEstimate{}, fmt.Errorf("count tickets: %w", err)
	}
	devices, err := e.stats.CountActiveDevices(ctx, eventRef, since)
	if err != nil {
		return models.WaitEstimate{}, fmt.Errorf("count devices: %w", err)
	}
	if devices < 1 {
		devices = 1
	}

	velocity, source, confidence := e.velocity(ctx, eventRef, inWindow)

	depth := total - admitted
	if depth < 0 {
		depth = 0
	}

	wait := decimal.Zero
	if depth > 0 {
		throughput := velocity.
			Mul(decimal.NewFromInt(int64(devices))).
			Mul(decimal.NewFromFloat(e.cfg.Efficiency))
		wait = decimal.NewFromInt(int64(depth)).
			Div(throughput).
			Mul(TimeOfDayFactor(now)).
			Mul(DayOfWeekFactor(now)).
			Ceil()
	}

	est := models.WaitEstimate{
		EventRef:             eventRef,
		Velocity:             velocity.Round(2).InexactFloat64(),
		VelocitySource:       source,
		ActiveDevices:        devices,
		QueueDepthEstimate:   depth,
		PredictedWaitMinutes: int(wait.IntPart()),
		ConfidenceScore:      confidence.Round(2).InexactFloat64(),
		ComputedAt:           now,
	}
	monitoring.TrackWaitEstimate(eventRef, float64(est.PredictedWaitMinutes), est.ConfidenceScore)
	return est, nil
}

// velocity picks live, then historical, then default velocity. Confidence
// falls with each fallback.
func (e *Estimator) velocity(ctx context.Context, eventRef string, inWindow int) (decimal.Decimal, models.VelocitySource, decimal.Decimal) {
	if inWindow > 0 {
		minutes := decimal.NewFromFloat(e.cfg.Window.Minutes())
		v := decimal.NewFromInt(int64(inWindow)).Div(minutes)
		share := decimal.Min(decimal.NewFromInt(1), decimal.NewFromInt(int64(inWindow)).Div(decimal.NewFromInt(liveSaturation)))
		half := decimal.NewFromFloat(0.5)
		return v, models.VelocityLive, half.Add(half.Mul(share))
	}

	if e.history != nil {
		v, ok, err := e.history.Velocity(ctx, eventRef)
		if err == nil && ok && v > 0 {
			return decimal.NewFromFloat(v), models.VelocityHistorical, decimal.NewFromFloat(0.6)
		}
	}

	return decimal.NewFromFloat(e.cfg.DefaultVelocity), models.VelocityDefault, decimal.NewFromFloat(0.3)
}

// Sample feeds the current live velocity into the history. Windows without
// admissions are skipped so a quiet gap does not erase the history.
func (e *Estimator) Sample(ctx context.Context, eventRef string) error {
	if e.history == nil {
		return nil
	}
	now := e.clock.Now()
	n, err := e.stats.CountAdmittedSince(ctx, eventRef, now.Add(-e.cfg.Window))
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	v := decimal.NewFromInt(int64(n)).Div(decimal.NewFromFloat(e.cfg.Window.Minutes()))
	return e.history.Observe(ctx, eventRef, v.InexactFloat64())
}

// TimeOfDayFactor scales the wait for the hour of the (local) clock time.
func TimeOfDayFactor(t time.Time) decimal.Decimal {
	switch h := t.Hour(); {
	case h >= 17 && h < 21:
		return decimal.NewFromFloat(1.2)
	case h >= 7 && h < 10:
		return decimal.NewFromFloat(1.1)
	case h < 6:
		return decimal.NewFromFloat(0.8)
	default:
		return decimal.NewFromInt(1)
	}
}

// DayOfWeekFactor scales the wait for busier days.
func DayOfWeekFactor(t time.Time) decimal.Decimal {
	switch t.Weekday() {
	case time.Friday, time.Saturday:
		return decimal.NewFromFloat(1.15)
	case time.Sunday:
		return decimal.NewFromFloat(1.05)
	default:
		return decimal.NewFromInt(1)
	}
}

// RedisVelocityHistory keeps an exponential moving average of velocity per
// event in Redis.
type RedisVelocityHistory struct {
	redis *redis.Client
	alpha decimal.Decimal
	ttl   time.Duration
}

func NewRedisVelocityHistory(redisClient *redis.Client, alpha float64, ttl time.Duration) *RedisVelocityHistory {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisVelocityHistory{redis: redisClient, alpha: decimal.NewFromFloat(alpha), ttl: ttl}
}

func velocityKey(eventRef string) string { return fmt.Sprintf("velocity:ema:%s", eventRef) }

func (h *RedisVelocityHistory) Velocity(ctx context.Context, eventRef string) (float64, bool, error) {
	raw, err := h.redis.Get(ctx, velocityKey(eventRef)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse velocity %q: %w", raw, err)
	}
	return v, true, nil
}

func (h *RedisVelocityHistory) Observe(ctx context.Context, eventRef string, velocity float64) error {
	prev, ok, err := h.Velocity(ctx, eventRef)
	if err != nil {
		return err
	}
	next := decimal.NewFromFloat(velocity)
	if ok {
		// ema = alpha*v + (1-alpha)*prev
		next = h.alpha.Mul(next).Add(decimal.NewFromInt(1).Sub(h.alpha).Mul(decimal.NewFromFloat(prev)))
	}
	return h.redis.Set(ctx, velocityKey(eventRef), next.Round(4).String(), h.ttl).Err()
}
