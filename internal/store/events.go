package store

import (
	"context"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

type eventRow struct {
	EventRef  string `db:"event_ref"`
	Name      string `db:"name"`
	Capacity  int    `db:"capacity"`
	Occupancy int    `db:"occupancy"`
	StartsAt  int64  `db:"starts_at"`
}

// UpsertEvent creates or updates the policy of an event. Occupancy is owned
// by the scan path and is never overwritten here.
func (s *Store) UpsertEvent(ctx context.Context, ev models.EventPolicy, at time.Time) error {
	_, err := s.db.NewQuery(`INSERT INTO events (event_ref, name, capacity, occupancy, starts_at, created_at, updated_at)
		VALUES ({:ref}, {:name}, {:capacity}, 0, {:startsAt}, {:at}, {:at})
		ON CONFLICT(event_ref) DO UPDATE SET
			name = excluded.name,
			capacity = excluded.capacity,
			starts_at = excluded.starts_at,
			updated_at = excluded.updated_at`).
		Bind(dbx.Params{
			"ref":      ev.EventRef,
			"name":     ev.Name,
			"capacity": ev.Capacity,
			"startsAt": toNano(ev.StartsAt),
			"at":       toNano(at),
		}).
		WithContext(ctx).
		Execute()
	return err
}

func (s *Store) FindEvent(ctx context.Context, eventRef string) (models.EventPolicy, error) {
	var row eventRow
	err := s.db.Select("event_ref", "name", "capacity", "occupancy", "starts_at").
		From("events").
		Where(dbx.HashExp{"event_ref": eventRef}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		return models.EventPolicy{}, notFound(err, status.ErrEventNotFound)
	}
	return models.EventPolicy{
		EventRef:  row.EventRef,
		Name:      row.Name,
		Capacity:  row.Capacity,
		Occupancy: row.Occupancy,
		StartsAt:  fromNano(row.StartsAt),
	}, nil
}

// adjustOccupancy moves the live head count. An entry honours capacity
// unless enforce is false; it reports false when the venue was full.
func adjustOccupancy(ctx context.Context, b dbx.Builder, eventRef string, delta int, enforce bool) (bool, error) {
	var q string
	switch {
	case delta > 0 && enforce:
		q = `UPDATE events SET occupancy = occupancy + 1 WHERE event_ref = {:ref} AND (capacity = 0 OR occupancy < capacity)`
	case delta > 0:
		q = `UPDATE events SET occupancy = occupancy + 1 WHERE event_ref = {:ref}`
	case delta < 0:
		q = `UPDATE events SET occupancy = MAX(occupancy - 1, 0) WHERE event_ref = {:ref}`
	default:
		return true, nil
	}
	res, err := b.NewQuery(q).Bind(dbx.Params{"ref": eventRef}).WithContext(ctx).Execute()
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEventRefs returns every known event, oldest start first.
func (s *Store) ListEventRefs(ctx context.Context) ([]string, error) {
	var refs []string
	err := s.db.Select("event_ref").
		From("events").
		OrderBy("starts_at ASC", "event_ref ASC").
		WithContext(ctx).
		Column(&refs)
	return refs, err
}
