package device

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-scan/internal/status"
	"ticket-scan/internal/store"
	"ticket-scan/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// LocalStore is the device-side queue and manifest cache. It survives
// restarts so queued scans are never lost while offline.
type LocalStore struct {
	db *dbx.DB
}

// OpenLocalStore opens and migrates the device database at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateFS(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error { return s.db.Close() }

type entryRow struct {
	Seq          int64  `db:"seq"`
	LocalID      string `db:"local_id"`
	AttemptID    string `db:"attempt_id"`
	Attempt      string `db:"attempt"`
	QueueStatus  string `db:"queue_status"`
	AttemptCount int    `db:"attempt_count"`
	LastError    string `db:"last_error"`
	NextRetryAt  int64  `db:"next_retry_at"`
	LocalClass   string `db:"local_class"`
	Outcome      string `db:"outcome"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

const entryColumns = "seq, local_id, attempt_id, attempt, queue_status, attempt_count, last_error, next_retry_at, local_class, outcome, created_at, updated_at"

func (r entryRow) toModel() (models.SyncQueueEntry, error) {
	qs, err := models.ParseQueueStatus(r.QueueStatus)
	if err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("queue entry %s: %w", r.LocalID, err)
	}
	e := models.SyncQueueEntry{
		LocalID:      r.LocalID,
		Seq:          r.Seq,
		QueueStatus:  qs,
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
		NextRetryAt:  fromNano(r.NextRetryAt),
		LocalClass:   models.DisplayClass(r.LocalClass),
		CreatedAt:    fromNano(r.CreatedAt),
		UpdatedAt:    fromNano(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Attempt), &e.Attempt); err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("queue entry %s attempt: %w", r.LocalID, err)
	}
	if r.Outcome != "" {
		var out models.Outcome
		if err := json.Unmarshal([]byte(r.Outcome), &out); err != nil {
			return models.SyncQueueEntry{}, fmt.Errorf("queue entry %s outcome: %w", r.LocalID, err)
		}
		e.Outcome = &out
	}
	return e, nil
}

// InsertEntry appends a pending entry and returns it with its sequence number.
func (s *LocalStore) InsertEntry(ctx context.Context, e models.SyncQueueEntry) (models.SyncQueueEntry, error) {
	attempt, err := json.Marshal(e.Attempt)
	if err != nil {
		return models.SyncQueueEntry{}, err
	}
	res, err := s.db.Insert("queue_entries", dbx.Params{
		"local_id":      e.LocalID,
		"attempt_id":    e.Attempt.AttemptID,
		"attempt":       string(attempt),
		"queue_status":  string(e.QueueStatus),
		"attempt_count": e.AttemptCount,
		"last_error":    e.LastError,
		"next_retry_at": toNano(e.NextRetryAt),
		"local_class":   string(e.LocalClass),
		"created_at":    toNano(e.CreatedAt),
		"updated_at":    toNano(e.UpdatedAt),
	}).WithContext(ctx).Execute()
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.SyncQueueEntry{}, fmt.Errorf("%w: %s", status.ErrDuplicateAttempt, e.Attempt.AttemptID)
		}
		return models.SyncQueueEntry{}, err
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return models.SyncQueueEntry{}, err
	}
	return e, nil
}

func (s *LocalStore) FindEntry(ctx context.Context, localID string) (models.SyncQueueEntry, error) {
	var row entryRow
	err := s.db.NewQuery("SELECT " + entryColumns + " FROM queue_entries WHERE local_id = {:id}").
		Bind(dbx.Params{"id": localID}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		if isNoRows(err) {
			return models.SyncQueueEntry{}, fmt.Errorf("%w: %s", status.ErrQueueEntryNotFound, localID)
		}
		return models.SyncQueueEntry{}, err
	}
	return row.toModel()
}

// ListEntries returns entries in FIFO order. An empty status lists all.
func (s *LocalStore) ListEntries(ctx context.Context, qs models.QueueStatus, limit int) ([]models.SyncQueueEntry, error) {
	q := s.db.Select(strings.Split(entryColumns, ", ")...).From("queue_entries").OrderBy("seq ASC")
	if qs != "" {
		q = q.Where(dbx.HashExp{"queue_status": string(qs)})
	}
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	var rows []entryRow
	if err := q.WithContext(ctx).All(&rows); err != nil {
		return nil, err
	}
	entries := make([]models.SyncQueueEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Transition moves an entry from one queue status to another and reports
// whether the entry was still in the expected status.
func (s *LocalStore) Transition(ctx context.Context, localID string, from, to models.QueueStatus, at time.Time) (bool, error) {
	res, err := s.db.Update("queue_entries",
		dbx.Params{"queue_status": string(to), "updated_at": toNano(at)},
		dbx.HashExp{"local_id": localID, "queue_status": string(from)},
	).WithContext(ctx).Execute()
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSynced stores the server outcome on a syncing entry.
func (s *LocalStore) MarkSynced(ctx context.Context, localID string, out models.Outcome, at time.Time) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = s.db.Update("queue_entries", dbx.Params{
		"queue_status": string(models.QueueSynced),
		"outcome":      string(data),
		"last_error":   "",
		"updated_at":   toNano(at),
	}, dbx.HashExp{"local_id": localID}).WithContext(ctx).Execute()
	return err
}

// MarkAttemptFailed records a failed delivery. The entry goes back to qs,
// which is pending for a retry or failed once retries are exhausted.
func (s *LocalStore) MarkAttemptFailed(ctx context.Context, localID string, qs models.QueueStatus, count int, lastErr string, nextRetry, at time.Time) error {
	_, err := s.db.Update("queue_entries", dbx.Params{
		"queue_status":  string(qs),
		"attempt_count": count,
		"last_error":    lastErr,
		"next_retry_at": toNano(nextRetry),
		"updated_at":    toNano(at),
	}, dbx.HashExp{"local_id": localID}).WithContext(ctx).Execute()
	return err
}

// Requeue puts a failed entry back in the pending queue with a fresh retry budget.
func (s *LocalStore) Requeue(ctx context.Context, localID string, at time.Time) (bool, error) {
	res, err := s.db.Update("queue_entries", dbx.Params{
		"queue_status":  string(models.QueuePending),
		"attempt_count": 0,
		"last_error":    "",
		"next_retry_at": 0,
		"updated_at":    toNano(at),
	}, dbx.HashExp{"local_id": localID, "queue_status": string(models.QueueFailed)}).WithContext(ctx).Execute()
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelEntry fails a pending entry without sending it. It reports false
// when the entry already left pending.
func (s *LocalStore) CancelEntry(ctx context.Context, localID, reason string, at time.Time) (bool, error) {
	res, err := s.db.Update("queue_entries", dbx.Params{
		"queue_status": string(models.QueueFailed),
		"last_error":   reason,
		"updated_at":   toNano(at),
	}, dbx.HashExp{"local_id": localID, "queue_status": string(models.QueuePending)}).WithContext(ctx).Execute()
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ResetSyncing returns entries left in syncing by a crash to pending. The
// server is idempotent on attempt_id, so resending them is safe.
func (s *LocalStore) ResetSyncing(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.Update("queue_entries",
		dbx.Params{"queue_status": string(models.QueuePending), "updated_at": toNano(at)},
		dbx.HashExp{"queue_status": string(models.QueueSyncing)},
	).WithContext(ctx).Execute()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LocalStore) Counts(ctx context.Context) (models.QueueCounts, error) {
	var rows []struct {
		QueueStatus string `db:"queue_status"`
		N           int    `db:"n"`
	}
	err := s.db.NewQuery("SELECT queue_status, COUNT(*) AS n FROM queue_entries GROUP BY queue_status").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return models.QueueCounts{}, err
	}
	var c models.QueueCounts
	for _, r := range rows {
		qs, err := models.ParseQueueStatus(r.QueueStatus)
		if err != nil {
			return models.QueueCounts{}, err
		}
		switch qs {
		case models.QueuePending:
			c.Pending = r.N
		case models.QueueSyncing:
			c.Syncing = r.N
		case models.QueueSynced:
			c.Synced = r.N
		case models.QueueFailed:
			c.Failed = r.N
		}
	}
	return c, nil
}

type manifestRow struct {
	QRToken    string `db:"qr_token"`
	TicketRef  string `db:"ticket_ref"`
	EventRef   string `db:"event_ref"`
	ExpiresAt  int64  `db:"expires_at"`
	Status     string `db:"status"`
	ReEntry    int64  `db:"reentry"`
	EntryCount int    `db:"entry_count"`
	ExitCount  int    `db:"exit_count"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r manifestRow) toModel() (models.Ticket, error) {
	st, err := models.ParseTicketStatus(r.Status)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("manifest %s: %w", r.TicketRef, err)
	}
	return models.Ticket{
		TicketRef:  r.TicketRef,
		EventRef:   r.EventRef,
		QRToken:    r.QRToken,
		ExpiresAt:  fromNano(r.ExpiresAt),
		Status:     st,
		ReEntry:    r.ReEntry != 0,
		EntryCount: r.EntryCount,
		ExitCount:  r.ExitCount,
		UpdatedAt:  fromNano(r.UpdatedAt),
	}, nil
}

// ReplaceManifest swaps the cached tickets of an event for a fresh copy.
func (s *LocalStore) ReplaceManifest(ctx context.Context, eventRef string, tickets []models.Ticket, at time.Time) error {
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		if _, err := tx.Delete("manifest", dbx.HashExp{"event_ref": eventRef}).Execute(); err != nil {
			return err
		}
		for _, t := range tickets {
			if t.EventRef != eventRef {
				return fmt.Errorf("%w: ticket %s belongs to %s", status.ErrInvalidRequest, t.TicketRef, t.EventRef)
			}
			if _, err := models.ParseTicketStatus(string(t.Status)); err != nil {
				return err
			}
			reentry := 0
			if t.ReEntry {
				reentry = 1
			}
			_, err := tx.NewQuery(`INSERT OR REPLACE INTO manifest
				(qr_token, ticket_ref, event_ref, expires_at, status, reentry, entry_count, exit_count, updated_at)
				VALUES ({:qr}, {:ref}, {:event}, {:exp}, {:status}, {:reentry}, {:entries}, {:exits}, {:at})`).
				Bind(dbx.Params{
					"qr":      t.QRToken,
					"ref":     t.TicketRef,
					"event":   t.EventRef,
					"exp":     toNano(t.ExpiresAt),
					"status":  string(t.Status),
					"reentry": reentry,
					"entries": t.EntryCount,
					"exits":   t.ExitCount,
					"at":      toNano(at),
				}).Execute()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) FindManifestTicket(ctx context.Context, qrToken string) (models.Ticket, error) {
	var row manifestRow
	err := s.db.NewQuery("SELECT * FROM manifest WHERE qr_token = {:qr}").
		Bind(dbx.Params{"qr": qrToken}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		if isNoRows(err) {
			return models.Ticket{}, fmt.Errorf("%w: not in manifest", status.ErrTicketNotFound)
		}
		return models.Ticket{}, err
	}
	return row.toModel()
}

// UpdateManifestTicket overwrites the cached state of one ticket.
func (s *LocalStore) UpdateManifestTicket(ctx context.Context, t models.Ticket, at time.Time) error {
	_, err := s.db.Update("manifest", dbx.Params{
		"status":      string(t.Status),
		"entry_count": t.EntryCount,
		"exit_count":  t.ExitCount,
		"updated_at":  toNano(at),
	}, dbx.HashExp{"qr_token": t.QRToken}).WithContext(ctx).Execute()
	return err
}

func (s *LocalStore) ManifestSize(ctx context.Context, eventRef string) (int, error) {
	var n int
	err := s.db.Select("COUNT(*)").From("manifest").
		Where(dbx.HashExp{"event_ref": eventRef}).
		WithContext(ctx).
		Row(&n)
	return n, err
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
