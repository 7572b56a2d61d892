package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

// Admission is everything written when a scan changes a ticket.
type Admission struct {
	Transition Transition
	Attempt    models.ScanAttempt
	// OccupancyDelta is +1 for an entry, -1 for an exit.
	OccupancyDelta int
	// EnforceCapacity is false when an override was accepted.
	EnforceCapacity bool
	Override        *models.OverrideRecord
}

// Admit commits a ticket transition, the occupancy change, the scan log row
// and any override ledger row atomically. It returns
// status.ErrPersistenceConflict when the ticket or the venue changed under
// the caller, and status.ErrDuplicateAttempt when the attempt is already
// logged.
func (s *Store) Admit(ctx context.Context, adm Admission) error {
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		if err := transitionTicket(ctx, tx, adm.Transition); err != nil {
			return err
		}

		ok, err := adjustOccupancy(ctx, tx, adm.Attempt.EventRef, adm.OccupancyDelta, adm.EnforceCapacity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: event %s reached capacity", status.ErrPersistenceConflict, adm.Attempt.EventRef)
		}

		if err := insertAttempt(ctx, tx, adm.Attempt); err != nil {
			return err
		}

		if adm.Override != nil {
			if err := insertOverride(ctx, tx, *adm.Override); err != nil {
				return err
			}
		}
		return nil
	})
}
