// Package stock evaluates inventory thresholds and gates low-stock and
// out-of-stock alerts behind a per-medicine cooldown window.
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/medication"
)

// CooldownWindow is the minimum interval between two stock alerts for the
// same medicine. The two alert kinds share one cooldown bucket, so an
// out-of-stock alert also silences a low-stock alert for the window.
const CooldownWindow = 24 * time.Hour

const cooldownPrefix = "stockcooldown:"

// Kind classifies a stock alert.
type Kind string

const (
	KindLowStock   Kind = "low_stock"
	KindOutOfStock Kind = "out_of_stock"
)

// Alert is an emitted inventory alert.
type Alert struct {
	Kind     Kind
	Medicine medication.Medication
}

// Monitor evaluates medications against their refill thresholds.
type Monitor struct {
	store  kv.Store
	clock  kv.Clock
	logger *zap.Logger
}

func NewMonitor(store kv.Store, clock kv.Clock, logger *zap.Logger) *Monitor {
	return &Monitor{store: store, clock: clock, logger: logger}
}

// Evaluate applies the threshold rules in precedence order and returns the
// alert to emit, or nil when stock is healthy or the cooldown suppresses it.
// On emission the cooldown timestamp is updated, so repeated evaluation
// within the window yields at most one alert per medicine.
func (m *Monitor) Evaluate(ctx context.Context, med medication.Medication) (*Alert, error) {
	var kind Kind
	switch {
	case med.Quantity == 0:
		kind = KindOutOfStock
	case med.Quantity <= med.RefillThreshold:
		kind = KindLowStock
	default:
		return nil, nil
	}

	now := m.clock.Now()
	key := cooldownPrefix + med.ID.String()

	last, err := m.lastAlertAt(ctx, key)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() && now.Sub(last) < CooldownWindow {
		m.logger.Debug("stock alert suppressed by cooldown",
			zap.String("medicine_id", med.ID.String()),
			zap.Time("last_alert_at", last),
		)
		return nil, nil
	}

	if err := m.store.Set(ctx, key, now.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("update stock cooldown: %w", err)
	}

	m.logger.Info("stock alert emitted",
		zap.String("medicine_id", med.ID.String()),
		zap.String("kind", string(kind)),
		zap.Int("quantity", med.Quantity),
		zap.Int("refill_threshold", med.RefillThreshold),
	)

	return &Alert{Kind: kind, Medicine: med}, nil
}

func (m *Monitor) lastAlertAt(ctx context.Context, key string) (time.Time, error) {
	val, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read stock cooldown: %w", err)
	}

	last, err := time.Parse(time.RFC3339, val)
	if err != nil {
		// A corrupt record should not silence alerts forever.
		m.logger.Warn("corrupt stock cooldown record, ignoring", zap.String("key", key), zap.Error(err))
		return time.Time{}, nil
	}
	return last, nil
}
