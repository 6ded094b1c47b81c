package schedule

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies the purpose of one reminder notification.
type Kind string

const (
	KindPre     Kind = "pre"     // informational ping 5 minutes before the dose
	KindDue     Kind = "due"     // the primary reminder at the trigger time
	KindPost    Kind = "post"    // missed-dose probe 5 minutes after
	KindSummary Kind = "summary" // single per-account daily digest
)

// ValidKind reports whether k is one of the four reminder kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindPre, KindDue, KindPost, KindSummary:
		return true
	}
	return false
}

// Identity is the deterministic key identifying one notification's purpose,
// independent of any handle returned by scheduling it. Two identities are
// equal iff all three fields match, so Identity is usable directly as a map
// key and set member.
//
// The summary digest is per-account, not per-medicine; its MedicineID is
// uuid.Nil.
type Identity struct {
	MedicineID uuid.UUID
	Time       TimeOfDay
	Kind       Kind
}

// String serializes the identity for the storage and notifier boundary.
// The derivation is pure: no randomness, no timestamps, so recomputing the
// desired set twice yields byte-identical identifiers.
func (id Identity) String() string {
	return fmt.Sprintf("%s|%s|%s", id.MedicineID, id.Time, id.Kind)
}

// ParseIdentity is the inverse of String.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("malformed identity %q", s)
	}
	medID, err := uuid.Parse(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed identity medicine id %q: %w", parts[0], err)
	}
	tod, err := ParseTimeOfDay(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed identity time %q: %w", parts[1], err)
	}
	kind := Kind(parts[2])
	if !ValidKind(kind) {
		return Identity{}, fmt.Errorf("malformed identity kind %q", parts[2])
	}
	return Identity{MedicineID: medID, Time: tod, Kind: kind}, nil
}
