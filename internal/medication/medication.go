// Package medication holds the medication and dose log models shared by the
// reminder engine, the local cache, and the remote store.
package medication

import (
	"time"

	"github.com/google/uuid"

	"github.com/dosemind/dosemind/internal/schedule"
)

// Medication is one trackable medicine owned by a caregiving account.
type Medication struct {
	ID              uuid.UUID            `json:"id"`
	AccountID       uuid.UUID            `json:"account_id"`
	Name            string               `json:"name"`
	Times           []schedule.TimeOfDay `json:"times"`
	Quantity        int                  `json:"quantity"`
	DoseAmount      int                  `json:"dose_amount"`
	RefillThreshold int                  `json:"refill_threshold"`
	LowStockAlerted bool                 `json:"low_stock_alerted"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Dose log status values.
const (
	DoseTaken   = "taken"
	DoseMissed  = "missed"
	DoseSkipped = "skipped"
)

// DoseLog is one consumption event. Day is the local calendar date
// (YYYY-MM-DD) of the scheduled slot; the remote store enforces at most one
// taken entry per (medicine, slot, day).
type DoseLog struct {
	MedicineID uuid.UUID          `json:"medicine_id"`
	AccountID  uuid.UUID          `json:"account_id"`
	Slot       schedule.TimeOfDay `json:"slot"`
	Day        string             `json:"day"`
	TakenAt    time.Time          `json:"taken_at"`
	Status     string             `json:"status"`
}
