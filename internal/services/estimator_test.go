package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-scan/models"
	"ticket-scan/utils"
)

type fakeStats struct {
	inWindow int
	admitted int
	total    int
	devices  int
	err      error
	since    time.Time
}

func (f *fakeStats) CountAdmittedSince(_ context.Context, _ string, since time.Time) (int, error) {
	f.since = since
	return f.inWindow, f.err
}

func (f *fakeStats) CountAdmitted(context.Context, string) (int, error) { return f.admitted, nil }
func (f *fakeStats) CountTickets(context.Context, string) (int, error)  { return f.total, nil }
func (f *fakeStats) CountActiveDevices(context.Context, string, time.Time) (int, error) {
	return f.devices, nil
}

type fakeHistory struct {
	v        float64
	ok       bool
	observed []float64
}

func (f *fakeHistory) Velocity(context.Context, string) (float64, bool, error) { return f.v, f.ok, nil }
func (f *fakeHistory) Observe(_ context.Context, _ string, v float64) error {
	f.observed = append(f.observed, v)
	return nil
}

// A Tuesday mid-morning, where both calendar factors are 1.
var neutral = time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)

func TestEstimator_LiveVelocity(t *testing.T) {
	stats := &fakeStats{inWindow: 30, admitted: 100, total: 400, devices: 2}
	est := NewEstimator(stats, &fakeHistory{}, utils.NewFakeClock(neutral), EstimatorConfig{Window: 15 * time.Minute, Efficiency: 0.5, DefaultVelocity: 6})

	got, err := est.Estimate(context.Background(), "EVT-1")
	require.NoError(t, err)

	// velocity 2/min, 300 waiting, 2 devices at 50% efficiency: 300 / 2 = 150.
	assert.Equal(t, models.VelocityLive, got.VelocitySource)
	assert.Equal(t, 2.0, got.Velocity)
	assert.Equal(t, 300, got.QueueDepthEstimate)
	assert.Equal(t, 2, got.ActiveDevices)
	assert.Equal(t, 150, got.PredictedWaitMinutes)
	assert.Equal(t, 1.0, got.ConfidenceScore)
	assert.True(t, stats.since.Equal(neutral.Add(-15*time.Minute)))
}

func TestEstimator_Fallbacks(t *testing.T) {
	cfg := EstimatorConfig{Window: 10 * time.Minute, Efficiency: 1, DefaultVelocity: 5}

	historical := NewEstimator(&fakeStats{total: 100}, &fakeHistory{v: 4, ok: true}, utils.NewFakeClock(neutral), cfg)
	got, err := historical.Estimate(context.Background(), "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, models.VelocityHistorical, got.VelocitySource)
	assert.Equal(t, 1, got.ActiveDevices, "no active devices counts as one")
	assert.Equal(t, 25, got.PredictedWaitMinutes)
	assert.Equal(t, 0.6, got.ConfidenceScore)

	def := NewEstimator(&fakeStats{total: 100}, &fakeHistory{}, utils.NewFakeClock(neutral), cfg)
	got, err = def.Estimate(context.Background(), "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, models.VelocityDefault, got.VelocitySource)
	assert.Equal(t, 20, got.PredictedWaitMinutes)
	assert.Equal(t, 0.3, got.ConfidenceScore)
	assert.Less(t, got.ConfidenceScore, 0.6)
}

func TestEstimator_SparseLiveDataLowersConfidence(t *testing.T) {
	est := NewEstimator(&fakeStats{inWindow: 3, total: 10, devices: 1}, nil, utils.NewFakeClock(neutral), EstimatorConfig{Window: 15 * time.Minute})
	got, err := est.Estimate(context.Background(), "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, 0.55, got.ConfidenceScore)
}

func TestEstimator_EmptyQueue(t *testing.T) {
	est := NewEstimator(&fakeStats{inWindow: 5, admitted: 50, total: 50, devices: 3}, nil, utils.NewFakeClock(neutral), EstimatorConfig{})
	got, err := est.Estimate(context.Background(), "EVT-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.QueueDepthEstimate)
	assert.Equal(t, 0, got.PredictedWaitMinutes)
}

func TestEstimator_StatsError(t *testing.T) {
	est := NewEstimator(&fakeStats{err: errors.New("db locked")}, nil, nil, EstimatorConfig{})
	_, err := est.Estimate(context.Background(), "EVT-1")
	assert.ErrorContains(t, err, "db locked")
}

func TestEstimator_Sample(t *testing.T) {
	hist := &fakeHistory{}
	stats := &fakeStats{inWindow: 15}
	est := NewEstimator(stats, hist, utils.NewFakeClock(neutral), EstimatorConfig{Window: 15 * time.Minute})

	require.NoError(t, est.Sample(context.Background(), "EVT-1"))
	stats.inWindow = 0
	require.NoError(t, est.Sample(context.Background(), "EVT-1"))

	assert.Equal(t, []float64{1}, hist.observed)
}

func TestCalendarFactors(t *testing.T) {
	saturdayEvening := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, "1.2", TimeOfDayFactor(saturdayEvening).String())
	assert.Equal(t, "1.15", DayOfWeekFactor(saturdayEvening).String())
	assert.Equal(t, "1", TimeOfDayFactor(neutral).String())
	assert.Equal(t, "1", DayOfWeekFactor(neutral).String())
	assert.Equal(t, "0.8", TimeOfDayFactor(time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)).String())
}

func TestEstimator_CalendarScalesWait(t *testing.T) {
	saturdayEvening := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	est := NewEstimator(&fakeStats{inWindow: 15, total: 100, devices: 1}, nil, utils.NewFakeClock(saturdayEvening), EstimatorConfig{Window: 15 * time.Minute, Efficiency: 1})
	got, err := est.Estimate(context.Background(), "EVT-1")
	require.NoError(t, err)
	// 100 / 1 * 1.2 * 1.15 = 138
	assert.Equal(t, 138, got.PredictedWaitMinutes)
}

func TestRedisVelocityHistory(t *testing.T) {
	db, mock := redismock.NewClientMock()
	hist := NewRedisVelocityHistory(db, 0.5, time.Hour)
	ctx := context.Background()

	mock.ExpectGet("velocity:ema:EVT-1").RedisNil()
	mock.ExpectGet("velocity:ema:EVT-1").RedisNil()
	mock.ExpectSet("velocity:ema:EVT-1", "4", time.Hour).SetVal("OK")
	mock.ExpectGet("velocity:ema:EVT-1").SetVal("4")
	mock.ExpectSet("velocity:ema:EVT-1", "3", time.Hour).SetVal("OK")

	_, ok, err := hist.Velocity(ctx, "EVT-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, hist.Observe(ctx, "EVT-1", 4))
	require.NoError(t, hist.Observe(ctx, "EVT-1", 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}
