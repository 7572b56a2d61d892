package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/monitoring"
	"ticket-scan/utils"
)

// AlertSink receives security alerts.
type AlertSink interface {
	Alert(ctx context.Context, alert models.Alert) error
}

// AuditSink appends to the immutable audit log.
type AuditSink interface {
	InsertAudit(ctx context.Context, rec models.AuditRecord) error
}

type EscalationConfig struct {
	Threshold int64
	Window    time.Duration
	Block     time.Duration
}

// Escalator blocks a source for a while once it has collected Threshold
// security rejections inside Window.
type Escalator struct {
	store  ReplayStore
	cfg    EscalationConfig
	alerts AlertSink
	audit  AuditSink
	clock  utils.Clock
}

func NewEscalator(store ReplayStore, cfg EscalationConfig, alerts AlertSink, audit AuditSink, clock utils.Clock) *Escalator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 15 * time.Minute
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Escalator{store: store, cfg: cfg, alerts: alerts, audit: audit, clock: clock}
}

func (e *Escalator) Blocked(ctx context.Context, source string) (bool, error) {
	return e.store.Blocked(ctx, source)
}

// Record counts a rejection and reports whether it tipped source into a block.
func (e *Escalator) Record(ctx context.Context, source string, reason error) (bool, error) {
	count, err := e.store.Strike(ctx, source, e.cfg.Window)
	if err != nil {
		return false, err
	}
	if count < e.cfg.Threshold {
		return false, nil
	}

	placed, err := e.store.Block(ctx, source, e.cfg.Block)
	if err != nil || !placed {
		return false, err
	}
	monitoring.TrackBlockedSource()

	now := e.clock.Now()
	msg := fmt.Sprintf("source %s blocked for %s after %d security rejections", source, e.cfg.Block, count)
	slog.Warn("replay guard blocked source", "source", source, "strikes", count, "last_reason", status.Reason(reason))

	if e.alerts != nil {
		alert := models.Alert{
			Kind:    models.AlertSourceBlocked,
			Source:  source,
			Message: msg,
			Data:    map[string]any{"strikes": count, "last_reason": status.Reason(reason)},
			At:      now,
		}
		if err := e.alerts.Alert(ctx, alert); err != nil {
			slog.Error("failed to send block alert", "error", err, "source", source)
		}
	}
	if e.audit != nil {
		rec := models.AuditRecord{
			ID:        uuid.NewString(),
			Kind:      string(models.AlertSourceBlocked),
			Source:    source,
			Detail:    msg,
			CreatedAt: now,
		}
		if err := e.audit.InsertAudit(ctx, rec); err != nil {
			slog.Error("failed to audit source block", "error", err, "source", source)
		}
	}
	return true, nil
}
