package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/deliver"
	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/metrics"
	"github.com/dosemind/dosemind/internal/sentstate"
)

// ContactResolver maps an account to its delivery channel and address.
type ContactResolver interface {
	Resolve(ctx context.Context, accountID uuid.UUID) (channel, to string)
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	// TickInterval is how often the live schedule is checked for due
	// entries.
	TickInterval time.Duration
	// FireGrace bounds how late an entry may still fire. An entry whose
	// trigger passed more than FireGrace ago waits for tomorrow, so a
	// process that was down all morning does not blast the backlog on
	// startup.
	FireGrace time.Duration
}

// Dispatcher fires due schedule entries through the delivery senders and
// records sent-state. Entries repeat daily; the sent-today record is what
// prevents an entry from firing twice on one calendar day.
type Dispatcher struct {
	store    *Store
	sent     *sentstate.Tracker
	contacts ContactResolver
	sender   deliver.Sender
	clock    kv.Clock
	config   DispatcherConfig
	logger   *zap.Logger
}

func NewDispatcher(store *Store, sent *sentstate.Tracker, contacts ContactResolver, sender deliver.Sender, clock kv.Clock, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.FireGrace == 0 {
		cfg.FireGrace = 10 * time.Minute
	}
	return &Dispatcher{
		store:    store,
		sent:     sent,
		contacts: contacts,
		sender:   sender,
		clock:    clock,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	// Fire once right away so a restart does not wait a full tick.
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass. Exported so a pass can be driven directly in
// tests and by the engine after reconciliation.
func (d *Dispatcher) Tick(ctx context.Context) {
	entries, err := d.store.Entries(ctx)
	if err != nil {
		d.logger.Error("failed to list schedule entries", zap.Error(err))
		return
	}

	now := d.clock.Now()
	for _, item := range entries {
		d.maybeFire(ctx, item, now)
	}
}

func (d *Dispatcher) maybeFire(ctx context.Context, item Scheduled, now time.Time) {
	instant := item.Entry.Identity.Time.OnDay(now)
	if instant.After(now) {
		return
	}
	if now.Sub(instant) > d.config.FireGrace {
		return
	}
	if d.sent.HasFiredToday(ctx, item.Entry.Identity) {
		return
	}

	channel, to := d.contacts.Resolve(ctx, item.AccountID)
	n := deliver.Notification{
		ID:        uuid.New(),
		AccountID: item.AccountID,
		Channel:   channel,
		To:        to,
		Title:     item.Entry.Title,
		Body:      item.Entry.Body,
	}

	if err := d.sender.Send(ctx, n); err != nil {
		// Best-effort: leave the entry unmarked so the next tick inside
		// the grace window can retry.
		d.logger.Warn("reminder delivery failed",
			zap.String("identity", item.Entry.Identity.String()),
			zap.String("channel", channel),
			zap.Error(err),
		)
		metrics.RecordReminderFired(channel, "error")
		return
	}

	if err := d.sent.MarkFiredToday(ctx, item.Entry.Identity); err != nil {
		d.logger.Error("failed to record sent state",
			zap.String("identity", item.Entry.Identity.String()),
			zap.Error(err),
		)
	}

	d.logger.Info("reminder fired",
		zap.String("identity", item.Entry.Identity.String()),
		zap.String("account_id", item.AccountID.String()),
		zap.String("channel", channel),
		zap.String("kind", string(item.Entry.Identity.Kind)),
	)
	metrics.RecordReminderFired(channel, "sent")
}
