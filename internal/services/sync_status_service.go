package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/utils"
)

const (
	syncDevicesKey = "sync:devices"

	// A device that synced within freshWindow is fully fresh; freshness
	// then decays linearly to zero over staleAfter.
	freshWindow = 5 * time.Minute
	staleAfter  = time.Hour
)

func syncDeviceKey(deviceID string) string  { return fmt.Sprintf("sync:device:%s", deviceID) }
func syncHistoryKey(deviceID string) string { return fmt.Sprintf("sync:history:%s", deviceID) }

// SyncStatusService keeps the per-device sync projection in Redis so every
// ingestion instance reports the same view.
type SyncStatusService struct {
	redis        *redis.Client
	clock        utils.Clock
	historyLimit int64
}

func NewSyncStatusService(redisClient *redis.Client, clock utils.Clock, historyLimit int) *SyncStatusService {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &SyncStatusService{redis: redisClient, clock: clock, historyLimit: int64(historyLimit)}
}

// Record stores the queue counts a device reported and appends op to its
// bounded history.
func (s *SyncStatusService) Record(ctx context.Context, deviceID string, counts models.QueueCounts, op models.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}

	if err := s.redis.SAdd(ctx, syncDevicesKey, deviceID).Err(); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	fields := []any{
		"pending", counts.Pending,
		"syncing", counts.Syncing,
		"synced", counts.Synced,
		"failed", counts.Failed,
	}
	if op.Success {
		fields = append(fields, "last_synced_at", op.StartedAt.UnixNano())
	}
	key := syncDeviceKey(deviceID)
	if err := s.redis.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("store device counts: %w", err)
	}

	histKey := syncHistoryKey(deviceID)
	if err := s.redis.LPush(ctx, histKey, data).Err(); err != nil {
		return fmt.Errorf("append sync history: %w", err)
	}
	if err := s.redis.LTrim(ctx, histKey, 0, s.historyLimit-1).Err(); err != nil {
		return fmt.Errorf("trim sync history: %w", err)
	}
	return nil
}

func (s *SyncStatusService) Status(ctx context.Context, deviceID string) (models.DeviceSyncStatus, error) {
	fields, err := s.redis.HGetAll(ctx, syncDeviceKey(deviceID)).Result()
	if err != nil {
		return models.DeviceSyncStatus{}, err
	}
	if len(fields) == 0 {
		return models.DeviceSyncStatus{}, fmt.Errorf("%w: %s", status.ErrDeviceNotFound, deviceID)
	}

	st := models.DeviceSyncStatus{
		DeviceID: deviceID,
		Counts: models.QueueCounts{
			Pending: atoi(fields["pending"]),
			Syncing: atoi(fields["syncing"]),
			Synced:  atoi(fields["synced"]),
			Failed:  atoi(fields["failed"]),
		},
		History: []models.SyncOperation{},
	}
	if v, ok := fields["last_synced_at"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			at := time.Unix(0, n).UTC()
			st.LastSyncedAt = &at
		}
	}

	raw, err := s.redis.LRange(ctx, syncHistoryKey(deviceID), 0, -1).Result()
	if err != nil {
		return models.DeviceSyncStatus{}, err
	}
	for _, item := range raw {
		var op models.SyncOperation
		if err := json.Unmarshal([]byte(item), &op); err != nil {
			slog.Error("skipping corrupt sync history entry", "error", err, "device_id", deviceID)
			continue
		}
		st.History = append(st.History, op)
	}

	st.SyncHealthScore = HealthScore(st, s.clock.Now())
	return st, nil
}

// Devices returns the status of every device that has ever synced, ordered by id.
func (s *SyncStatusService) Devices(ctx context.Context) ([]models.DeviceSyncStatus, error) {
	ids, err := s.redis.SMembers(ctx, syncDevicesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	out := make([]models.DeviceSyncStatus, 0, len(ids))
	for _, id := range ids {
		st, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// DeviceQueueCounts feeds the device queue gauges.
func (s *SyncStatusService) DeviceQueueCounts(ctx context.Context) (map[string]map[string]int, error) {
	devices, err := s.Devices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]int, len(devices))
	for _, d := range devices {
		out[d.DeviceID] = map[string]int{
			string(models.QueuePending): d.Counts.Pending,
			string(models.QueueSyncing): d.Counts.Syncing,
			string(models.QueueSynced):  d.Counts.Synced,
			string(models.QueueFailed):  d.Counts.Failed,
		}
	}
	return out, nil
}

// HealthScore rates a device between 0 and 1 from its recent success rate,
// how recently it synced and how many entries it gave up on.
func HealthScore(st models.DeviceSyncStatus, now time.Time) float64 {
	if st.LastSyncedAt == nil || len(st.History) == 0 {
		return 0
	}

	ok := 0
	for _, op := range st.History {
		if op.Success {
			ok++
		}
	}
	successRate := decimal.NewFromInt(int64(ok)).Div(decimal.NewFromInt(int64(len(st.History))))

	freshness := decimal.NewFromInt(1)
	if age := now.Sub(*st.LastSyncedAt); age > freshWindow {
		decay := decimal.NewFromInt(int64(age - freshWindow)).Div(decimal.NewFromInt(int64(staleAfter)))
		freshness = decimal.Max(decimal.Zero, freshness.Sub(decay))
	}

	backlog := decimal.NewFromInt(1)
	if total := st.Counts.Total(); total > 0 && st.Counts.Failed > 0 {
		failedShare := decimal.NewFromInt(int64(st.Counts.Failed)).Div(decimal.NewFromInt(int64(total)))
		backlog = backlog.Sub(decimal.Min(decimal.NewFromFloat(0.5), failedShare))
	}

	return successRate.Mul(freshness).Mul(backlog).Round(2).InexactFloat64()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
