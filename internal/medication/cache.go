package medication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dosemind/dosemind/internal/kv"
)

const cachePrefix = "med:"

// ErrNotCached is returned when a medication is absent from the local cache.
var ErrNotCached = errors.New("medication not in local cache")

// Cache is the durable local copy of an account's medications. It is the
// source the reminder engine works from; the remote store is reconciled
// against it through the sync queue.
type Cache struct {
	store kv.Store
}

func NewCache(store kv.Store) *Cache {
	return &Cache{store: store}
}

func cacheKey(accountID, medID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", cachePrefix, accountID, medID)
}

func (c *Cache) Put(ctx context.Context, med Medication) error {
	data, err := json.Marshal(med)
	if err != nil {
		return fmt.Errorf("marshal medication: %w", err)
	}
	if err := c.store.Set(ctx, cacheKey(med.AccountID, med.ID), string(data)); err != nil {
		return fmt.Errorf("cache medication: %w", err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, accountID, medID uuid.UUID) (Medication, error) {
	val, err := c.store.Get(ctx, cacheKey(accountID, medID))
	if errors.Is(err, kv.ErrNotFound) {
		return Medication{}, ErrNotCached
	}
	if err != nil {
		return Medication{}, fmt.Errorf("read cached medication: %w", err)
	}

	var med Medication
	if err := json.Unmarshal([]byte(val), &med); err != nil {
		return Medication{}, fmt.Errorf("decode cached medication: %w", err)
	}
	return med, nil
}

func (c *Cache) Delete(ctx context.Context, accountID, medID uuid.UUID) error {
	if err := c.store.Delete(ctx, cacheKey(accountID, medID)); err != nil {
		return fmt.Errorf("delete cached medication: %w", err)
	}
	return nil
}

// List returns all cached medications for an account, ordered by name for
// stable iteration.
func (c *Cache) List(ctx context.Context, accountID uuid.UUID) ([]Medication, error) {
	keys, err := c.store.ListKeys(ctx, cachePrefix+accountID.String()+":")
	if err != nil {
		return nil, fmt.Errorf("list cached medications: %w", err)
	}

	meds := make([]Medication, 0, len(keys))
	for _, key := range keys {
		val, err := c.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue // deleted between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("read cached medication %q: %w", key, err)
		}
		var med Medication
		if err := json.Unmarshal([]byte(val), &med); err != nil {
			return nil, fmt.Errorf("decode cached medication %q: %w", key, err)
		}
		meds = append(meds, med)
	}

	sort.Slice(meds, func(i, j int) bool { return meds[i].Name < meds[j].Name })
	return meds, nil
}

// Accounts returns every account with at least one cached medication. The
// engine's periodic loops iterate this set.
func (c *Cache) Accounts(ctx context.Context) ([]uuid.UUID, error) {
	keys, err := c.store.ListKeys(ctx, cachePrefix)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}

	seen := make(map[uuid.UUID]bool)
	var accounts []uuid.UUID
	for _, key := range keys {
		rest := strings.TrimPrefix(key, cachePrefix)
		idx := strings.IndexByte(rest, ':')
		if idx < 0 {
			continue
		}
		accountID, err := uuid.Parse(rest[:idx])
		if err != nil {
			continue
		}
		if !seen[accountID] {
			seen[accountID] = true
			accounts = append(accounts, accountID)
		}
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].String() < accounts[j].String() })
	return accounts, nil
}
