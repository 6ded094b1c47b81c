// Package engine is the orchestration layer tying the medication cache, the
// reminder reconciler, the stock monitor, the offline sync queue, and the
// notification dispatcher into one service object. It owns the background
// loops and exposes the mutating operations the API layer calls.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/deliver"
	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/medication"
	"github.com/dosemind/dosemind/internal/metrics"
	"github.com/dosemind/dosemind/internal/notify"
	"github.com/dosemind/dosemind/internal/queue"
	"github.com/dosemind/dosemind/internal/reconcile"
	"github.com/dosemind/dosemind/internal/remote"
	"github.com/dosemind/dosemind/internal/schedule"
	"github.com/dosemind/dosemind/internal/stock"
)

// ErrAlreadyTaken is returned when a dose has already been recorded as taken
// for the same medicine, slot, and calendar day.
var ErrAlreadyTaken = errors.New("dose already recorded for this slot today")

// ErrUnknownSlot is returned when a dose is reported for a time that is not
// part of the medicine's schedule.
var ErrUnknownSlot = errors.New("slot is not part of the medication schedule")

// ErrNotFound is returned when the referenced medication does not exist.
var ErrNotFound = errors.New("medication not found")

// Config tunes the engine's background loops.
type Config struct {
	// SyncInterval is how often pending offline actions are drained.
	SyncInterval time.Duration
	// ReconcileInterval is the periodic full reconciliation wake. It also
	// re-arms tomorrow's entries shortly after midnight.
	ReconcileInterval time.Duration
}

// Deps are the collaborators the engine orchestrates.
type Deps struct {
	Cache      *medication.Cache
	Remote     remote.Store
	Queue      *queue.Queue
	Processor  queue.Processor
	Reconciler *reconcile.Reconciler
	Stock      *stock.Monitor
	Contacts   notify.ContactResolver
	Sender     deliver.Sender
	Dispatcher *notify.Dispatcher
	Clock      kv.Clock
	Logger     *zap.Logger
}

// Engine is constructed once at startup and runs until Stop.
type Engine struct {
	deps   Deps
	config Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Minute
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	return &Engine{deps: deps, config: cfg}
}

// Start launches the dispatcher, sync, and reconciliation loops. It returns
// immediately; the loops run until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.deps.Dispatcher.Start(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.syncLoop(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.reconcileLoop(runCtx)
	}()

	e.deps.Logger.Info("engine started",
		zap.Duration("sync_interval", e.config.SyncInterval),
		zap.Duration("reconcile_interval", e.config.ReconcileInterval),
	)
}

// Stop shuts the background loops down and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.deps.Logger.Info("engine stopped")
}

func (e *Engine) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SyncAll(ctx)
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.ReconcileInterval)
	defer ticker.Stop()

	// Converge immediately so a restart does not leave stale entries
	// until the first tick.
	e.ReconcileAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReconcileAll(ctx)
		}
	}
}

// UpsertMedication validates and stores a medication, pushes it to the
// remote store (queueing the push when unreachable), and reconciles the
// account's reminders. A new medication gets its identifier assigned here.
func (e *Engine) UpsertMedication(ctx context.Context, med medication.Medication) (medication.Medication, error) {
	if err := validate(med); err != nil {
		return medication.Medication{}, err
	}

	now := e.deps.Clock.Now()
	if med.ID == uuid.Nil {
		med.ID = uuid.New()
		med.CreatedAt = now
	} else if existing, err := e.deps.Cache.Get(ctx, med.AccountID, med.ID); err == nil {
		med.CreatedAt = existing.CreatedAt
	} else {
		med.CreatedAt = now
	}
	med.UpdatedAt = now

	// A refill above the threshold closes the current low-stock episode.
	if med.Quantity > med.RefillThreshold {
		med.LowStockAlerted = false
	}

	if err := e.deps.Cache.Put(ctx, med); err != nil {
		return medication.Medication{}, err
	}
	e.pushMedication(ctx, med)

	if err := e.reconcileAccount(ctx, med.AccountID); err != nil {
		e.deps.Logger.Warn("reconciliation after upsert failed",
			zap.String("account_id", med.AccountID.String()),
			zap.Error(err),
		)
	}
	return med, nil
}

// DeleteMedication removes a medication locally, cascade-cancels its
// reminders, and deletes it remotely best-effort.
func (e *Engine) DeleteMedication(ctx context.Context, accountID, medID uuid.UUID) error {
	if _, err := e.deps.Cache.Get(ctx, accountID, medID); errors.Is(err, medication.ErrNotCached) {
		return ErrNotFound
	} else if err != nil {
		return err
	}

	if err := e.deps.Cache.Delete(ctx, accountID, medID); err != nil {
		return err
	}
	if err := e.deps.Reconciler.CancelMedication(ctx, accountID, medID); err != nil {
		e.deps.Logger.Warn("failed to cancel reminders of deleted medication",
			zap.String("medication_id", medID.String()),
			zap.Error(err),
		)
	}

	err := e.deps.Remote.DeleteMedication(ctx, accountID, medID)
	if err != nil && !errors.Is(err, remote.ErrIdempotentConflict) {
		// Deletes are not queued; the row is orphaned remotely until the
		// next refresh notices it. Acceptable: reminders derive from the
		// local cache, which no longer has the medicine.
		e.deps.Logger.Warn("remote delete failed",
			zap.String("medication_id", medID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// GetMedication reads one medication from the local cache.
func (e *Engine) GetMedication(ctx context.Context, accountID, medID uuid.UUID) (medication.Medication, error) {
	med, err := e.deps.Cache.Get(ctx, accountID, medID)
	if errors.Is(err, medication.ErrNotCached) {
		return medication.Medication{}, ErrNotFound
	}
	return med, err
}

// ListMedications reads the account's medications from the local cache.
func (e *Engine) ListMedications(ctx context.Context, accountID uuid.UUID) ([]medication.Medication, error) {
	return e.deps.Cache.List(ctx, accountID)
}

// MarkDoseTaken records a consumption event for one schedule slot:
//
//  1. The dose log is inserted remotely; if the remote store is unreachable
//     the action is queued for replay. A remote rejection because the slot
//     is already logged today surfaces as ErrAlreadyTaken.
//  2. Stock is decremented by the dose amount, clamped at zero, and the
//     updated quantity is pushed (or queued).
//  3. The slot's pending pre, due, and post reminders are cancelled.
//  4. Stock thresholds are evaluated and an alert is delivered if one is
//     due.
//
// The updated medication is returned.
func (e *Engine) MarkDoseTaken(ctx context.Context, accountID, medID uuid.UUID, slot schedule.TimeOfDay) (medication.Medication, error) {
	med, err := e.deps.Cache.Get(ctx, accountID, medID)
	if errors.Is(err, medication.ErrNotCached) {
		return medication.Medication{}, ErrNotFound
	}
	if err != nil {
		return medication.Medication{}, err
	}

	if !hasSlot(med, slot) {
		return medication.Medication{}, ErrUnknownSlot
	}

	now := e.deps.Clock.Now()
	entry := medication.DoseLog{
		MedicineID: medID,
		AccountID:  accountID,
		Slot:       slot,
		Day:        now.Format("2006-01-02"),
		TakenAt:    now,
		Status:     medication.DoseTaken,
	}

	switch err := e.deps.Remote.InsertDoseLog(ctx, entry); {
	case errors.Is(err, remote.ErrIdempotentConflict):
		return med, ErrAlreadyTaken
	case err != nil:
		e.enqueue(ctx, accountID, queue.ActionMarkDoseTaken, entry)
	}

	med.Quantity -= med.DoseAmount
	if med.Quantity < 0 {
		med.Quantity = 0
	}
	med.UpdatedAt = now

	alert, alertErr := e.deps.Stock.Evaluate(ctx, med)
	if alertErr != nil {
		e.deps.Logger.Warn("stock evaluation failed",
			zap.String("medication_id", medID.String()),
			zap.Error(alertErr),
		)
	}
	if alert != nil {
		med.LowStockAlerted = true
	}

	if err := e.deps.Cache.Put(ctx, med); err != nil {
		return medication.Medication{}, err
	}
	e.pushMedication(ctx, med)

	e.deps.Reconciler.CancelDoseReminders(ctx, accountID, medID, slot)

	if alert != nil {
		alert.Medicine = med
		e.deliverStockAlert(ctx, accountID, *alert)
	}

	e.deps.Logger.Info("dose recorded",
		zap.String("account_id", accountID.String()),
		zap.String("medication_id", medID.String()),
		zap.String("slot", slot.String()),
		zap.Int("quantity_remaining", med.Quantity),
	)
	return med, nil
}

// Sync drains one account's pending offline actions.
func (e *Engine) Sync(ctx context.Context, accountID uuid.UUID) (queue.DrainResult, error) {
	return e.deps.Queue.Drain(ctx, accountID, e.deps.Processor)
}

// SyncAll drains every known account's queue.
func (e *Engine) SyncAll(ctx context.Context) {
	accounts, err := e.deps.Cache.Accounts(ctx)
	if err != nil {
		e.deps.Logger.Error("failed to enumerate accounts for sync", zap.Error(err))
		return
	}
	for _, accountID := range accounts {
		if _, err := e.Sync(ctx, accountID); err != nil {
			e.deps.Logger.Warn("queue drain failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
}

// Reconcile runs one reconciliation pass for an account.
func (e *Engine) Reconcile(ctx context.Context, accountID uuid.UUID) error {
	return e.reconcileAccount(ctx, accountID)
}

// ReconcileAll runs one reconciliation pass for every known account.
func (e *Engine) ReconcileAll(ctx context.Context) {
	accounts, err := e.deps.Cache.Accounts(ctx)
	if err != nil {
		e.deps.Logger.Error("failed to enumerate accounts for reconciliation", zap.Error(err))
		return
	}
	for _, accountID := range accounts {
		if err := e.reconcileAccount(ctx, accountID); err != nil {
			e.deps.Logger.Warn("reconciliation pass failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
}

// Refresh is the login/foreground path: drain pending local actions, pull
// the remote medication list into the cache when nothing is pending, then
// reconcile and sweep stock levels.
func (e *Engine) Refresh(ctx context.Context, accountID uuid.UUID) error {
	result, err := e.Sync(ctx, accountID)
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}

	// Only adopt the remote list once local changes are fully pushed;
	// otherwise a pull would overwrite mutations still in the queue.
	if len(result.Remaining) == 0 {
		meds, err := e.deps.Remote.ListMedications(ctx, accountID)
		if err != nil {
			e.deps.Logger.Warn("remote refresh unavailable, serving cached state",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		} else {
			for _, med := range meds {
				if err := e.deps.Cache.Put(ctx, med); err != nil {
					return fmt.Errorf("refresh cache: %w", err)
				}
			}
		}
	}

	if err := e.reconcileAccount(ctx, accountID); err != nil {
		return err
	}
	e.CheckStock(ctx, accountID)
	return nil
}

// CheckStock evaluates every medication of an account and delivers any due
// alerts.
func (e *Engine) CheckStock(ctx context.Context, accountID uuid.UUID) {
	meds, err := e.deps.Cache.List(ctx, accountID)
	if err != nil {
		e.deps.Logger.Error("failed to list medications for stock sweep",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		return
	}

	for _, med := range meds {
		alert, err := e.deps.Stock.Evaluate(ctx, med)
		if err != nil {
			e.deps.Logger.Warn("stock evaluation failed",
				zap.String("medication_id", med.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if alert == nil {
			continue
		}
		if !med.LowStockAlerted {
			med.LowStockAlerted = true
			med.UpdatedAt = e.deps.Clock.Now()
			if err := e.deps.Cache.Put(ctx, med); err != nil {
				e.deps.Logger.Warn("failed to persist alert flag", zap.Error(err))
			}
		}
		e.deliverStockAlert(ctx, accountID, *alert)
	}
}

func (e *Engine) reconcileAccount(ctx context.Context, accountID uuid.UUID) error {
	meds, err := e.deps.Cache.List(ctx, accountID)
	if err != nil {
		return err
	}
	return e.deps.Reconciler.ReconcileAccount(ctx, accountID, meds)
}

// pushMedication tries the remote upsert directly and falls back to the
// offline queue. Upserts are idempotent remotely, so a duplicate replay
// after an ambiguous failure is harmless.
func (e *Engine) pushMedication(ctx context.Context, med medication.Medication) {
	err := e.deps.Remote.UpsertMedication(ctx, med)
	if err == nil || errors.Is(err, remote.ErrIdempotentConflict) {
		return
	}
	e.enqueue(ctx, med.AccountID, queue.ActionUpsertMedication, med)
}

func (e *Engine) enqueue(ctx context.Context, accountID uuid.UUID, kind queue.ActionKind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.deps.Logger.Error("failed to marshal queue payload",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}
	if _, err := e.deps.Queue.Enqueue(ctx, accountID, kind, data); err != nil {
		e.deps.Logger.Error("failed to enqueue offline action",
			zap.String("account_id", accountID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (e *Engine) deliverStockAlert(ctx context.Context, accountID uuid.UUID, alert stock.Alert) {
	metrics.RecordStockAlert(string(alert.Kind))

	channel, to := e.deps.Contacts.Resolve(ctx, accountID)
	n := deliver.Notification{
		ID:        uuid.New(),
		AccountID: accountID,
		Channel:   channel,
		To:        to,
	}
	switch alert.Kind {
	case stock.KindOutOfStock:
		n.Title = "Out of stock"
		n.Body = fmt.Sprintf("%s is out of stock. Refill now to keep the schedule.", alert.Medicine.Name)
	default:
		n.Title = "Running low"
		n.Body = fmt.Sprintf("%s is running low: %d remaining.", alert.Medicine.Name, alert.Medicine.Quantity)
	}

	if err := e.deps.Sender.Send(ctx, n); err != nil {
		e.deps.Logger.Warn("stock alert delivery failed",
			zap.String("account_id", accountID.String()),
			zap.String("kind", string(alert.Kind)),
			zap.Error(err),
		)
	}
}

func validate(med medication.Medication) error {
	if med.AccountID == uuid.Nil {
		return errors.New("account id is required")
	}
	if med.Name == "" {
		return errors.New("name is required")
	}
	if len(med.Times) == 0 {
		return errors.New("at least one schedule time is required")
	}
	if med.DoseAmount <= 0 {
		return errors.New("dose amount must be positive")
	}
	if med.Quantity < 0 {
		return errors.New("quantity cannot be negative")
	}
	if med.RefillThreshold < 0 {
		return errors.New("refill threshold cannot be negative")
	}
	seen := make(map[schedule.TimeOfDay]bool, len(med.Times))
	for _, t := range med.Times {
		if seen[t] {
			return fmt.Errorf("duplicate schedule time: %s", t)
		}
		seen[t] = true
	}
	return nil
}

func hasSlot(med medication.Medication, slot schedule.TimeOfDay) bool {
	for _, t := range med.Times {
		if t == slot {
			return true
		}
	}
	return false
}
