package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

type attemptRow struct {
	AttemptID        string `db:"attempt_id"`
	TicketRef        string `db:"ticket_ref"`
	QRToken          string `db:"qr_token"`
	EventRef         string `db:"event_ref"`
	DeviceID         string `db:"device_id"`
	Direction        string `db:"direction"`
	ClientTS         int64  `db:"client_ts"`
	ServerReceivedAt int64  `db:"server_received_at"`
	Result           string `db:"result"`
	OverrideReason   string `db:"override_reason"`
	OverrideUser     string `db:"override_user"`
}

const attemptColumns = "attempt_id, ticket_ref, qr_token, event_ref, device_id, direction, client_ts, server_received_at, result, override_reason, override_user"

func (r attemptRow) toModel() (models.ScanAttempt, error) {
	result, err := models.ParseScanResult(r.Result)
	if err != nil {
		return models.ScanAttempt{}, fmt.Errorf("attempt %s: %w", r.AttemptID, err)
	}
	dir, err := models.ParseScanDirection(r.Direction)
	if err != nil {
		return models.ScanAttempt{}, fmt.Errorf("attempt %s: %w", r.AttemptID, err)
	}
	a := models.ScanAttempt{
		AttemptID:        r.AttemptID,
		TicketRef:        r.TicketRef,
		QRToken:          r.QRToken,
		EventRef:         r.EventRef,
		DeviceID:         r.DeviceID,
		Direction:        dir,
		ClientTimestamp:  fromNano(r.ClientTS),
		ServerReceivedAt: fromNano(r.ServerReceivedAt),
		Result:           result,
	}
	if r.OverrideUser != "" {
		a.Override = &models.Override{Reason: r.OverrideReason, UserID: r.OverrideUser}
	}
	return a, nil
}

func attemptParams(a models.ScanAttempt) dbx.Params {
	p := dbx.Params{
		"attempt_id":         a.AttemptID,
		"ticket_ref":         a.TicketRef,
		"qr_token":           a.QRToken,
		"event_ref":          a.EventRef,
		"device_id":          a.DeviceID,
		"direction":          string(a.Direction),
		"client_ts":          toNano(a.ClientTimestamp),
		"server_received_at": toNano(a.ServerReceivedAt),
		"result":             string(a.Result),
		"override_reason":    "",
		"override_user":      "",
	}
	if a.Override != nil {
		p["override_reason"] = a.Override.Reason
		p["override_user"] = a.Override.UserID
	}
	return p
}

// InsertAttempt appends to the scan log. A second insert of the same
// attempt_id returns status.ErrDuplicateAttempt.
func (s *Store) InsertAttempt(ctx context.Context, a models.ScanAttempt) error {
	return insertAttempt(ctx, s.db, a)
}

func insertAttempt(ctx context.Context, b dbx.Builder, a models.ScanAttempt) error {
	if _, err := models.ParseScanResult(string(a.Result)); err != nil {
		return err
	}
	_, err := b.Insert("scan_attempts", attemptParams(a)).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", status.ErrDuplicateAttempt, a.AttemptID)
	}
	return err
}

func (s *Store) FindAttempt(ctx context.Context, attemptID string) (models.ScanAttempt, error) {
	var row attemptRow
	err := s.db.NewQuery("SELECT " + attemptColumns + " FROM scan_attempts WHERE attempt_id = {:id}").
		Bind(dbx.Params{"id": attemptID}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		return models.ScanAttempt{}, notFound(err, status.ErrAttemptNotFound)
	}
	return row.toModel()
}

// LastAdmission returns the most recent admitting attempt for a ticket.
func (s *Store) LastAdmission(ctx context.Context, ticketRef string) (models.ScanAttempt, error) {
	var row attemptRow
	err := s.db.NewQuery("SELECT " + attemptColumns + ` FROM scan_attempts
		WHERE ticket_ref = {:ref} AND result IN ({:admitted}, {:override})
		ORDER BY server_received_at DESC LIMIT 1`).
		Bind(dbx.Params{
			"ref":      ticketRef,
			"admitted": string(models.ResultAdmitted),
			"override": string(models.ResultCapacityOverride),
		}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		return models.ScanAttempt{}, notFound(err, status.ErrAttemptNotFound)
	}
	return row.toModel()
}

// ListAttempts returns the scan log of a ticket in server order.
func (s *Store) ListAttempts(ctx context.Context, ticketRef string) ([]models.ScanAttempt, error) {
	var rows []attemptRow
	err := s.db.NewQuery("SELECT " + attemptColumns + ` FROM scan_attempts
		WHERE ticket_ref = {:ref} ORDER BY server_received_at, attempt_id`).
		Bind(dbx.Params{"ref": ticketRef}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, err
	}
	out := make([]models.ScanAttempt, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// CountAdmitted counts the distinct tickets of an event that have been let in.
func (s *Store) CountAdmitted(ctx context.Context, eventRef string) (int, error) {
	var n int
	err := s.db.NewQuery(`SELECT COUNT(DISTINCT ticket_ref) FROM scan_attempts
		WHERE event_ref = {:ref} AND result IN ({:admitted}, {:override})`).
		Bind(dbx.Params{
			"ref":      eventRef,
			"admitted": string(models.ResultAdmitted),
			"override": string(models.ResultCapacityOverride),
		}).
		WithContext(ctx).
		Row(&n)
	return n, err
}

// CountAdmittedSince counts admitting attempts received at or after since.
func (s *Store) CountAdmittedSince(ctx context.Context, eventRef string, since time.Time) (int, error) {
	var n int
	err := s.db.NewQuery(`SELECT COUNT(*) FROM scan_attempts
		WHERE event_ref = {:ref} AND result IN ({:admitted}, {:override}) AND server_received_at >= {:since}`).
		Bind(dbx.Params{
			"ref":      eventRef,
			"admitted": string(models.ResultAdmitted),
			"override": string(models.ResultCapacityOverride),
			"since":    toNano(since),
		}).
		WithContext(ctx).
		Row(&n)
	return n, err
}

// CountActiveDevices counts devices that reported any scan since the given time.
func (s *Store) CountActiveDevices(ctx context.Context, eventRef string, since time.Time) (int, error) {
	var n int
	err := s.db.NewQuery(`SELECT COUNT(DISTINCT device_id) FROM scan_attempts
		WHERE event_ref = {:ref} AND server_received_at >= {:since}`).
		Bind(dbx.Params{"ref": eventRef, "since": toNano(since)}).
		WithContext(ctx).
		Row(&n)
	return n, err
}
