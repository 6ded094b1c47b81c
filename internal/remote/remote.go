// Package remote defines the remote medication store port and its Postgres
// implementation. The store is the authoritative copy the offline queue is
// reconciled against.
package remote

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dosemind/dosemind/internal/medication"
)

// ErrIdempotentConflict is returned when the requested effect is already in
// place remotely, e.g. a dose-taken insert colliding with the uniqueness
// constraint on (medicine, slot, day, taken). Replay paths treat it as
// terminal success.
var ErrIdempotentConflict = errors.New("remote: effect already applied")

// Store is the remote collaborator contract the engine depends on.
type Store interface {
	UpsertMedication(ctx context.Context, med medication.Medication) error
	DeleteMedication(ctx context.Context, accountID, medID uuid.UUID) error
	ListMedications(ctx context.Context, accountID uuid.UUID) ([]medication.Medication, error)
	InsertDoseLog(ctx context.Context, entry medication.DoseLog) error
}
