package stock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/medication"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func setupMonitor(t *testing.T) (*Monitor, *fakeClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisWithClient(rdb, zap.NewNop())
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)}

	return NewMonitor(store, clock, zap.NewNop()), clock, func() {
		rdb.Close()
		mr.Close()
	}
}

func testMed(quantity, threshold int) medication.Medication {
	return medication.Medication{
		ID:              uuid.New(),
		AccountID:       uuid.New(),
		Name:            "Lisinopril",
		Quantity:        quantity,
		DoseAmount:      1,
		RefillThreshold: threshold,
	}
}

func TestMonitor_HealthyStock(t *testing.T) {
	monitor, _, cleanup := setupMonitor(t)
	defer cleanup()

	alert, err := monitor.Evaluate(context.Background(), testMed(30, 5))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if alert != nil {
		t.Errorf("expected no alert for healthy stock, got %v", alert.Kind)
	}
}

func TestMonitor_LowStock(t *testing.T) {
	monitor, _, cleanup := setupMonitor(t)
	defer cleanup()

	alert, err := monitor.Evaluate(context.Background(), testMed(5, 5))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if alert == nil || alert.Kind != KindLowStock {
		t.Fatalf("expected low stock alert, got %+v", alert)
	}
}

func TestMonitor_OutOfStockTakesPrecedence(t *testing.T) {
	monitor, _, cleanup := setupMonitor(t)
	defer cleanup()

	alert, err := monitor.Evaluate(context.Background(), testMed(0, 5))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if alert == nil || alert.Kind != KindOutOfStock {
		t.Fatalf("expected out of stock alert, got %+v", alert)
	}
}

func TestMonitor_CooldownSuppressesSecondAlert(t *testing.T) {
	monitor, clock, cleanup := setupMonitor(t)
	defer cleanup()
	ctx := context.Background()

	med := testMed(3, 5)

	first, err := monitor.Evaluate(ctx, med)
	if err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}
	if first == nil {
		t.Fatal("expected first alert")
	}

	clock.now = clock.now.Add(1 * time.Hour)
	second, err := monitor.Evaluate(ctx, med)
	if err != nil {
		t.Fatalf("second evaluate failed: %v", err)
	}
	if second != nil {
		t.Fatalf("expected suppression within cooldown, got %v", second.Kind)
	}

	// After the window a new alert may be emitted.
	clock.now = clock.now.Add(CooldownWindow)
	third, err := monitor.Evaluate(ctx, med)
	if err != nil {
		t.Fatalf("third evaluate failed: %v", err)
	}
	if third == nil {
		t.Fatal("expected alert after cooldown expired")
	}
}

func TestMonitor_SharedCooldownBucket(t *testing.T) {
	monitor, clock, cleanup := setupMonitor(t)
	defer cleanup()
	ctx := context.Background()

	med := testMed(0, 5)

	alert, err := monitor.Evaluate(ctx, med)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if alert == nil || alert.Kind != KindOutOfStock {
		t.Fatalf("expected out of stock, got %+v", alert)
	}

	// A refill to a low-but-nonzero level within the window stays silent:
	// both kinds share one cooldown bucket per medicine.
	med.Quantity = 2
	clock.now = clock.now.Add(2 * time.Hour)
	alert, err = monitor.Evaluate(ctx, med)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if alert != nil {
		t.Fatalf("expected shared-bucket suppression, got %v", alert.Kind)
	}
}

func TestMonitor_CooldownIsPerMedicine(t *testing.T) {
	monitor, _, cleanup := setupMonitor(t)
	defer cleanup()
	ctx := context.Background()

	a := testMed(1, 5)
	b := testMed(1, 5)

	if alert, err := monitor.Evaluate(ctx, a); err != nil || alert == nil {
		t.Fatalf("medicine a: alert=%v err=%v", alert, err)
	}
	if alert, err := monitor.Evaluate(ctx, b); err != nil || alert == nil {
		t.Fatalf("medicine b should alert independently: alert=%v err=%v", alert, err)
	}
}
