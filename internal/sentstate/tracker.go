// Package sentstate records, per notification identity and local calendar
// day, whether that notification has already fired. The record is consumed
// only by the reconciliation loop's already-sent gate.
package sentstate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/schedule"
)

const keyPrefix = "sent:"

// Tracker persists fired-today flags on the key-value port. The key embeds
// the local calendar date, so the flag rolls over at midnight by
// construction and is never explicitly cleared.
type Tracker struct {
	store  kv.Store
	clock  kv.Clock
	logger *zap.Logger
}

func New(store kv.Store, clock kv.Clock, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, clock: clock, logger: logger}
}

func (t *Tracker) key(id schedule.Identity) string {
	day := t.clock.Now().Format("2006-01-02")
	return fmt.Sprintf("%s%s:%s", keyPrefix, id, day)
}

// HasFiredToday reports whether the identity already fired on the current
// local calendar day. Storage errors are logged and reported as "not
// fired": the worst outcome is re-arming a notification, which the notifier
// schedules idempotently.
func (t *Tracker) HasFiredToday(ctx context.Context, id schedule.Identity) bool {
	_, err := t.store.Get(ctx, t.key(id))
	if err == nil {
		return true
	}
	if !errors.Is(err, kv.ErrNotFound) {
		t.logger.Warn("sent-state read failed, treating as not fired",
			zap.String("identity", id.String()),
			zap.Error(err),
		)
	}
	return false
}

// MarkFiredToday durably records that the identity fired today.
func (t *Tracker) MarkFiredToday(ctx context.Context, id schedule.Identity) error {
	if err := t.store.Set(ctx, t.key(id), "1"); err != nil {
		return fmt.Errorf("mark fired today: %w", err)
	}
	return nil
}
