package schedule

import (
	"fmt"

	"github.com/google/uuid"
)

// ReminderOffsetMinutes is the distance of the pre ping and post probe from
// the dose trigger time.
const ReminderOffsetMinutes = 5

// SummaryTime is the fixed local time of the daily digest. One digest per
// account, deliberately not one per medicine-time, so tracking many
// medicines does not flood the user.
var SummaryTime = TimeOfDay{Hour: 21, Minute: 0}

// Entry is one desired notification: its identity plus the content shown
// when it fires. The trigger is Identity.Time, repeating daily.
type Entry struct {
	Identity Identity
	Title    string
	Body     string
}

// Plan enumerates the theoretically desired reminder set for one
// medication's schedule: pre, due, and post entries per trigger time. It
// does not filter by lateness or prior delivery; those gates belong to the
// reconciliation loop.
func Plan(medicineID uuid.UUID, name string, times []TimeOfDay) []Entry {
	entries := make([]Entry, 0, len(times)*3)
	for _, t := range times {
		entries = append(entries,
			Entry{
				Identity: Identity{MedicineID: medicineID, Time: t.AddMinutes(-ReminderOffsetMinutes), Kind: KindPre},
				Title:    "Upcoming dose",
				Body:     fmt.Sprintf("%s is due at %s", name, t),
			},
			Entry{
				Identity: Identity{MedicineID: medicineID, Time: t, Kind: KindDue},
				Title:    "Time for your medication",
				Body:     fmt.Sprintf("Take %s now (%s)", name, t),
			},
			Entry{
				Identity: Identity{MedicineID: medicineID, Time: t.AddMinutes(ReminderOffsetMinutes), Kind: KindPost},
				Title:    "Did you take your medication?",
				Body:     fmt.Sprintf("Mark %s (%s) as taken if you already did", name, t),
			},
		)
	}
	return entries
}

// SummaryEntry is the single per-account daily digest entry. Its medicine id
// is uuid.Nil because it belongs to no particular medicine.
func SummaryEntry() Entry {
	return Entry{
		Identity: Identity{MedicineID: uuid.Nil, Time: SummaryTime, Kind: KindSummary},
		Title:    "Daily medication summary",
		Body:     "Review today's doses and mark anything you missed",
	}
}
