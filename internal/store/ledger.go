package store

import (
	"context"

	"github.com/pocketbase/dbx"

	"ticket-scan/models"
)

type overrideRow struct {
	ID        string `db:"id"`
	AttemptID string `db:"attempt_id"`
	TicketRef string `db:"ticket_ref"`
	EventRef  string `db:"event_ref"`
	Reason    string `db:"reason"`
	UserID    string `db:"user_id"`
	DeviceID  string `db:"device_id"`
	CreatedAt int64  `db:"created_at"`
}

type auditRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	ActorID   string `db:"actor_id"`
	Source    string `db:"source"`
	TicketRef string `db:"ticket_ref"`
	Detail    string `db:"detail"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Store) InsertOverride(ctx context.Context, rec models.OverrideRecord) error {
	return insertOverride(ctx, s.db, rec)
}

func insertOverride(ctx context.Context, b dbx.Builder, rec models.OverrideRecord) error {
	_, err := b.Insert("overrides", dbx.Params{
		"id":         rec.ID,
		"attempt_id": rec.AttemptID,
		"ticket_ref": rec.TicketRef,
		"event_ref":  rec.EventRef,
		"reason":     rec.Reason,
		"user_id":    rec.UserID,
		"device_id":  rec.DeviceID,
		"created_at": toNano(rec.CreatedAt),
	}).WithContext(ctx).Execute()
	return err
}

func (s *Store) ListOverrides(ctx context.Context, eventRef string) ([]models.OverrideRecord, error) {
	var rows []overrideRow
	err := s.db.Select("id", "attempt_id", "ticket_ref", "event_ref", "reason", "user_id", "device_id", "created_at").
		From("overrides").
		Where(dbx.HashExp{"event_ref": eventRef}).
		OrderBy("created_at", "id").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]models.OverrideRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.OverrideRecord{
			ID:        r.ID,
			AttemptID: r.AttemptID,
			TicketRef: r.TicketRef,
			EventRef:  r.EventRef,
			Reason:    r.Reason,
			UserID:    r.UserID,
			DeviceID:  r.DeviceID,
			CreatedAt: fromNano(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) InsertAudit(ctx context.Context, rec models.AuditRecord) error {
	_, err := s.db.Insert("audit_log", dbx.Params{
		"id":         rec.ID,
		"kind":       rec.Kind,
		"actor_id":   rec.ActorID,
		"source":     rec.Source,
		"ticket_ref": rec.TicketRef,
		"detail":     rec.Detail,
		"created_at": toNano(rec.CreatedAt),
	}).WithContext(ctx).Execute()
	return err
}

// ListAudit returns the newest audit records first. An empty kind lists all.
func (s *Store) ListAudit(ctx context.Context, kind string, limit int) ([]models.AuditRecord, error) {
	q := s.db.Select("id", "kind", "actor_id", "source", "ticket_ref", "detail", "created_at").
		From("audit_log").
		OrderBy("created_at DESC", "id DESC")
	if kind != "" {
		q = q.Where(dbx.HashExp{"kind": kind})
	}
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	var rows []auditRow
	if err := q.WithContext(ctx).All(&rows); err != nil {
		return nil, err
	}
	out := make([]models.AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AuditRecord{
			ID:        r.ID,
			Kind:      r.Kind,
			ActorID:   r.ActorID,
			Source:    r.Source,
			TicketRef: r.TicketRef,
			Detail:    r.Detail,
			CreatedAt: fromNano(r.CreatedAt),
		})
	}
	return out, nil
}
