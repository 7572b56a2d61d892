package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

type ticketRow struct {
	TicketRef  string `db:"ticket_ref"`
	EventRef   string `db:"event_ref"`
	QRToken    string `db:"qr_token"`
	Signature  string `db:"signature"`
	ExpiresAt  int64  `db:"expires_at"`
	Status     string `db:"status"`
	ReEntry    int64  `db:"reentry"`
	EntryCount int    `db:"entry_count"`
	ExitCount  int    `db:"exit_count"`
	HolderName string `db:"holder_name"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

const ticketColumns = "ticket_ref, event_ref, qr_token, signature, expires_at, status, reentry, entry_count, exit_count, holder_name, created_at, updated_at"

func (r ticketRow) toModel() (models.Ticket, error) {
	st, err := models.ParseTicketStatus(r.Status)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("ticket %s: %w", r.TicketRef, err)
	}
	return models.Ticket{
		TicketRef:  r.TicketRef,
		EventRef:   r.EventRef,
		QRToken:    r.QRToken,
		Signature:  r.Signature,
		ExpiresAt:  fromNano(r.ExpiresAt),
		Status:     st,
		ReEntry:    r.ReEntry != 0,
		EntryCount: r.EntryCount,
		ExitCount:  r.ExitCount,
		HolderName: r.HolderName,
		CreatedAt:  fromNano(r.CreatedAt),
		UpdatedAt:  fromNano(r.UpdatedAt),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) InsertTicket(ctx context.Context, t models.Ticket) error {
	if _, err := models.ParseTicketStatus(string(t.Status)); err != nil {
		return err
	}
	_, err := s.db.Insert("tickets", dbx.Params{
		"ticket_ref":  t.TicketRef,
		"event_ref":   t.EventRef,
		"qr_token":    t.QRToken,
		"signature":   t.Signature,
		"expires_at":  toNano(t.ExpiresAt),
		"status":      string(t.Status),
		"reentry":     boolInt(t.ReEntry),
		"entry_count": t.EntryCount,
		"exit_count":  t.ExitCount,
		"holder_name": t.HolderName,
		"created_at":  toNano(t.CreatedAt),
		"updated_at":  toNano(t.UpdatedAt),
	}).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", status.ErrDuplicateTicket, t.TicketRef)
	}
	return err
}

func (s *Store) findTicket(ctx context.Context, column, value string) (models.Ticket, error) {
	var row ticketRow
	err := s.db.NewQuery("SELECT " + ticketColumns + " FROM tickets WHERE " + column + " = {:v}").
		Bind(dbx.Params{"v": value}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		return models.Ticket{}, notFound(err, status.ErrTicketNotFound)
	}
	return row.toModel()
}

func (s *Store) FindTicketByQRToken(ctx context.Context, qrToken string) (models.Ticket, error) {
	return s.findTicket(ctx, "qr_token", qrToken)
}

func (s *Store) FindTicketByRef(ctx context.Context, ticketRef string) (models.Ticket, error) {
	return s.findTicket(ctx, "ticket_ref", ticketRef)
}

func (s *Store) ListTicketsForEvent(ctx context.Context, eventRef string) ([]models.Ticket, error) {
	var rows []ticketRow
	err := s.db.NewQuery("SELECT " + ticketColumns + " FROM tickets WHERE event_ref = {:ref} ORDER BY ticket_ref").
		Bind(dbx.Params{"ref": eventRef}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// Transition is a compare-and-set on a ticket's status and counters.
type Transition struct {
	TicketRef   string
	From        models.TicketStatus
	FromEntries int
	FromExits   int
	To          models.TicketStatus
	ToEntries   int
	ToExits     int
	At          time.Time
}

// TransitionTicket applies tr only if the row still holds the expected
// values. A lost race returns status.ErrPersistenceConflict.
func (s *Store) TransitionTicket(ctx context.Context, tr Transition) error {
	return transitionTicket(ctx, s.db, tr)
}

func transitionTicket(ctx context.Context, b dbx.Builder, tr Transition) error {
	res, err := b.NewQuery(`UPDATE tickets
		SET status = {:to}, entry_count = {:toEntries}, exit_count = {:toExits}, updated_at = {:at}
		WHERE ticket_ref = {:ref} AND status = {:from} AND entry_count = {:fromEntries} AND exit_count = {:fromExits}`).
		Bind(dbx.Params{
			"to":          string(tr.To),
			"toEntries":   tr.ToEntries,
			"toExits":     tr.ToExits,
			"at":          toNano(tr.At),
			"ref":         tr.TicketRef,
			"from":        string(tr.From),
			"fromEntries": tr.FromEntries,
			"fromExits":   tr.FromExits,
		}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: ticket %s moved from %s", status.ErrPersistenceConflict, tr.TicketRef, tr.From)
	}
	return nil
}

// SetTerminalStatus voids or refunds a ticket that has not been used up.
// The updated ticket is returned.
func (s *Store) SetTerminalStatus(ctx context.Context, ticketRef string, to models.TicketStatus, at time.Time) (models.Ticket, error) {
	if !to.Cancelled() {
		return models.Ticket{}, fmt.Errorf("%w: %s is not an admin status", status.ErrInvalidTransition, to)
	}
	res, err := s.db.NewQuery(`UPDATE tickets SET status = {:to}, updated_at = {:at}
		WHERE ticket_ref = {:ref} AND status IN ({:issued}, {:scanned})`).
		Bind(dbx.Params{
			"to":      string(to),
			"at":      toNano(at),
			"ref":     ticketRef,
			"issued":  string(models.TicketIssued),
			"scanned": string(models.TicketScanned),
		}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return models.Ticket{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Ticket{}, err
	}

	t, err := s.FindTicketByRef(ctx, ticketRef)
	if err != nil {
		return models.Ticket{}, err
	}
	if n == 0 {
		return t, fmt.Errorf("%w: ticket %s is %s", status.ErrInvalidTransition, ticketRef, t.Status)
	}
	return t, nil
}

// CountTickets counts the tickets of an event that can still be scanned in.
func (s *Store) CountTickets(ctx context.Context, eventRef string) (int, error) {
	var n int
	err := s.db.NewQuery(`SELECT COUNT(*) FROM tickets WHERE event_ref = {:ref} AND status NOT IN ({:voided}, {:refunded})`).
		Bind(dbx.Params{
			"ref":      eventRef,
			"voided":   string(models.TicketVoided),
			"refunded": string(models.TicketRefunded),
		}).
		WithContext(ctx).
		Row(&n)
	return n, err
}
