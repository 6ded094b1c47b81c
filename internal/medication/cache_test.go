package medication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/schedule"
)

func setupCache(t *testing.T) (*Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return NewCache(kv.NewRedisWithClient(rdb, zap.NewNop())), cleanup
}

func cachedMedication(accountID uuid.UUID, name string) Medication {
	return Medication{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      name,
		Times: []schedule.TimeOfDay{
			{Hour: 8, Minute: 0},
		},
		Quantity:        30,
		DoseAmount:      1,
		RefillThreshold: 5,
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()
	accountID := uuid.New()
	med := cachedMedication(accountID, "Metformin")

	if err := cache.Put(ctx, med); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := cache.Get(ctx, accountID, med.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != med.Name || got.Quantity != med.Quantity || len(got.Times) != 1 {
		t.Fatalf("Get = %+v, want %+v", got, med)
	}
	if got.Times[0] != med.Times[0] {
		t.Errorf("times not preserved: got %v, want %v", got.Times, med.Times)
	}
}

func TestCacheGetMissing(t *testing.T) {
	cache, cleanup := setupCache(t)
	defer cleanup()

	_, err := cache.Get(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("got %v, want ErrNotCached", err)
	}
}

func TestCacheDelete(t *testing.T) {
	cache, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()
	accountID := uuid.New()
	med := cachedMedication(accountID, "Metformin")

	if err := cache.Put(ctx, med); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Delete(ctx, accountID, med.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cache.Get(ctx, accountID, med.ID); !errors.Is(err, ErrNotCached) {
		t.Fatalf("got %v after delete, want ErrNotCached", err)
	}
}

func TestCacheListSortedByName(t *testing.T) {
	cache, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()
	accountID := uuid.New()

	for _, name := range []string{"Zinc", "Atorvastatin", "Metformin"} {
		if err := cache.Put(ctx, cachedMedication(accountID, name)); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	// Another account's medication must not leak into the listing.
	if err := cache.Put(ctx, cachedMedication(uuid.New(), "Ibuprofen")); err != nil {
		t.Fatalf("Put other account: %v", err)
	}

	meds, err := cache.List(ctx, accountID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(meds) != 3 {
		t.Fatalf("List returned %d medications, want 3", len(meds))
	}
	for i, want := range []string{"Atorvastatin", "Metformin", "Zinc"} {
		if meds[i].Name != want {
			t.Errorf("meds[%d].Name = %s, want %s", i, meds[i].Name, want)
		}
	}
}

func TestCacheAccounts(t *testing.T) {
	cache, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	if err := cache.Put(ctx, cachedMedication(first, "Metformin")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put(ctx, cachedMedication(first, "Zinc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put(ctx, cachedMedication(second, "Atorvastatin")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	accounts, err := cache.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("Accounts returned %d, want 2", len(accounts))
	}
	seen := map[uuid.UUID]bool{accounts[0]: true, accounts[1]: true}
	if !seen[first] || !seen[second] {
		t.Errorf("accounts missing: got %v", accounts)
	}
}
