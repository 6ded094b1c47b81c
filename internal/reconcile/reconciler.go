// Package reconcile implements the level-triggered control loop at the
// heart of the engine: the desired reminder set is recomputed from the
// medication list and the live notification schedule is driven toward it.
// The pass is idempotent, so it is safe to run redundantly on start, login,
// schedule edits, and the periodic wake.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/medication"
	"github.com/dosemind/dosemind/internal/metrics"
	"github.com/dosemind/dosemind/internal/notify"
	"github.com/dosemind/dosemind/internal/schedule"
	"github.com/dosemind/dosemind/internal/sentstate"
)

// Reconciler converges the live notification schedule toward the desired
// set. Schedule and cancel calls are treated as commands whose failures are
// logged and counted, never propagated: one medicine's failure must not
// block convergence of the others, and the next pass retries naturally.
type Reconciler struct {
	notifier notify.Notifier
	sent     *sentstate.Tracker
	clock    kv.Clock
	logger   *zap.Logger
}

func New(notifier notify.Notifier, sent *sentstate.Tracker, clock kv.Clock, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		notifier: notifier,
		sent:     sent,
		clock:    clock,
		logger:   logger,
	}
}

// ReconcileAccount runs one full pass over all of an account's medications:
//
//  1. Enumerate the desired set, admitting an identity for today only if
//     its trigger instant has not passed (future-only gate) and it has not
//     already fired today (already-sent gate).
//  2. Read the live schedule.
//  3. Cancel live entries absent from the desired set (time removed,
//     medicine deleted, kind obsolete, trigger passed, already fired).
//  4. Schedule desired entries that are not live.
//
// Running the pass twice with no intervening state change issues zero
// commands the second time.
//
// Known approximation: the future-only gate is evaluated once per pass
// against "now", so a pass racing the dispatcher inside the narrow window
// around a trigger instant may skip an entry for today. That is accepted
// best-effort behavior, not a gap-free guarantee.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID uuid.UUID, meds []medication.Medication) error {
	now := r.clock.Now()

	desired := make(map[schedule.Identity]schedule.Entry)
	for _, med := range meds {
		for _, entry := range schedule.Plan(med.ID, med.Name, med.Times) {
			if r.admit(ctx, entry.Identity, now) {
				desired[entry.Identity] = entry
			}
		}
	}
	// One summary digest per account, not per medicine.
	if len(meds) > 0 {
		if entry := schedule.SummaryEntry(); r.admit(ctx, entry.Identity, now) {
			desired[entry.Identity] = entry
		}
	}

	live, err := r.notifier.ListScheduled(ctx, accountID)
	if err != nil {
		metrics.RecordReconcilePass("error")
		return fmt.Errorf("list live schedule: %w", err)
	}

	liveSet := make(map[schedule.Identity]bool, len(live))
	failures := 0

	for _, id := range live {
		liveSet[id] = true
		if _, ok := desired[id]; ok {
			continue
		}
		// Stray entries of deleted medicines are swept here too: their
		// owner is no longer in the account's list, so nothing admits
		// them into the desired set.
		if err := r.notifier.Cancel(ctx, accountID, id); err != nil {
			failures++
			metrics.RecordReconcileCommand("cancel", "error")
			r.logger.Warn("failed to cancel obsolete entry",
				zap.String("identity", id.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordReconcileCommand("cancel", "ok")
	}

	for id, entry := range desired {
		if liveSet[id] {
			continue
		}
		if err := r.notifier.ScheduleAt(ctx, accountID, entry); err != nil {
			failures++
			metrics.RecordReconcileCommand("schedule", "error")
			r.logger.Warn("failed to schedule entry",
				zap.String("identity", id.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordReconcileCommand("schedule", "ok")
	}

	outcome := "converged"
	if failures > 0 {
		outcome = "partial"
	}
	metrics.RecordReconcilePass(outcome)

	r.logger.Info("reconciliation pass complete",
		zap.String("account_id", accountID.String()),
		zap.Int("medications", len(meds)),
		zap.Int("desired", len(desired)),
		zap.Int("live_before", len(live)),
		zap.Int("command_failures", failures),
	)

	return nil
}

// admit applies the future-only and already-sent gates for today.
func (r *Reconciler) admit(ctx context.Context, id schedule.Identity, now time.Time) bool {
	if !id.Time.OnDay(now).After(now) {
		return false
	}
	if r.sent.HasFiredToday(ctx, id) {
		return false
	}
	return true
}

// CancelDoseReminders cancels the post probe for a just-taken slot, plus
// the due and pre entries in case they have not fired yet, so the user who
// already acted does not get a late reminder. Each identity is also marked
// fired-today first: the sent gate then keeps the next reconciliation pass
// from re-arming a still-future entry, and the mark rolls over at midnight
// so tomorrow's reminders are unaffected. Best-effort: a stale notification
// is a UX annoyance, not a correctness violation of the dose record, so
// failures are logged and swallowed.
func (r *Reconciler) CancelDoseReminders(ctx context.Context, accountID, medID uuid.UUID, slot schedule.TimeOfDay) {
	ids := []schedule.Identity{
		{MedicineID: medID, Time: slot.AddMinutes(schedule.ReminderOffsetMinutes), Kind: schedule.KindPost},
		{MedicineID: medID, Time: slot, Kind: schedule.KindDue},
		{MedicineID: medID, Time: slot.AddMinutes(-schedule.ReminderOffsetMinutes), Kind: schedule.KindPre},
	}
	for _, id := range ids {
		if err := r.sent.MarkFiredToday(ctx, id); err != nil {
			r.logger.Warn("failed to suppress reminder after dose taken",
				zap.String("identity", id.String()),
				zap.Error(err),
			)
		}
		if err := r.notifier.Cancel(ctx, accountID, id); err != nil {
			metrics.RecordReconcileCommand("cancel", "error")
			r.logger.Warn("failed to cancel reminder after dose taken",
				zap.String("identity", id.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordReconcileCommand("cancel", "ok")
	}
}

// CancelMedication cascade-cancels every live entry derived from a deleted
// medicine.
func (r *Reconciler) CancelMedication(ctx context.Context, accountID, medID uuid.UUID) error {
	live, err := r.notifier.ListScheduled(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list live schedule: %w", err)
	}
	for _, id := range live {
		if id.MedicineID != medID {
			continue
		}
		if err := r.notifier.Cancel(ctx, accountID, id); err != nil {
			r.logger.Warn("failed to cancel entry of deleted medicine",
				zap.String("identity", id.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}
