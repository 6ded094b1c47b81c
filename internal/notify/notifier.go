// Package notify implements the notification subsystem: a durable schedule
// of daily-repeating reminder entries keyed by identity, plus the dispatch
// loop that fires due entries through the delivery senders.
//
// The engine depends only on the narrow Notifier contract; identity-based
// scheduling and cancellation means callers never have to remember a handle
// returned by a previous call.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/schedule"
)

const schedPrefix = "notifsched:"

// Notifier is the notification-subsystem port consumed by the
// reconciliation loop.
type Notifier interface {
	// ScheduleAt arms a daily-repeating entry. Re-arming an identity that
	// is already live overwrites it and is not an error.
	ScheduleAt(ctx context.Context, accountID uuid.UUID, entry schedule.Entry) error
	// Cancel disarms an identity. Cancelling an identity that is not live
	// is not an error.
	Cancel(ctx context.Context, accountID uuid.UUID, id schedule.Identity) error
	// ListScheduled returns the identities currently live for the account.
	ListScheduled(ctx context.Context, accountID uuid.UUID) ([]schedule.Identity, error)
}

// Scheduled is one live entry with its owning account, as surfaced to the
// dispatcher.
type Scheduled struct {
	AccountID uuid.UUID
	Entry     schedule.Entry
}

type entryRecord struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Store is the durable Notifier implementation on the key-value port. Keys
// are notifsched:<account>:<identity>, so cancellation and listing work from
// the identity alone.
type Store struct {
	store  kv.Store
	logger *zap.Logger
}

func NewStore(store kv.Store, logger *zap.Logger) *Store {
	return &Store{store: store, logger: logger}
}

func schedKey(accountID uuid.UUID, id schedule.Identity) string {
	return fmt.Sprintf("%s%s:%s", schedPrefix, accountID, id)
}

func (s *Store) ScheduleAt(ctx context.Context, accountID uuid.UUID, entry schedule.Entry) error {
	data, err := json.Marshal(entryRecord{Title: entry.Title, Body: entry.Body})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.store.Set(ctx, schedKey(accountID, entry.Identity), string(data)); err != nil {
		return fmt.Errorf("schedule %s: %w", entry.Identity, err)
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, accountID uuid.UUID, id schedule.Identity) error {
	if err := s.store.Delete(ctx, schedKey(accountID, id)); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListScheduled(ctx context.Context, accountID uuid.UUID) ([]schedule.Identity, error) {
	keys, err := s.store.ListKeys(ctx, schedPrefix+accountID.String()+":")
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}

	ids := make([]schedule.Identity, 0, len(keys))
	for _, key := range keys {
		_, id, err := parseSchedKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed schedule key", zap.String("key", key), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Entries returns every live entry across all accounts, for the dispatcher.
func (s *Store) Entries(ctx context.Context) ([]Scheduled, error) {
	keys, err := s.store.ListKeys(ctx, schedPrefix)
	if err != nil {
		return nil, fmt.Errorf("list schedule entries: %w", err)
	}

	entries := make([]Scheduled, 0, len(keys))
	for _, key := range keys {
		accountID, id, err := parseSchedKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed schedule key", zap.String("key", key), zap.Error(err))
			continue
		}

		val, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue // cancelled between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("read schedule entry %q: %w", key, err)
		}

		var rec entryRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			s.logger.Warn("skipping corrupt schedule entry", zap.String("key", key), zap.Error(err))
			continue
		}

		entries = append(entries, Scheduled{
			AccountID: accountID,
			Entry:     schedule.Entry{Identity: id, Title: rec.Title, Body: rec.Body},
		})
	}
	return entries, nil
}

func parseSchedKey(key string) (uuid.UUID, schedule.Identity, error) {
	rest := strings.TrimPrefix(key, schedPrefix)
	// Account UUIDs contain no colon, identity times do, so split once.
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, schedule.Identity{}, fmt.Errorf("malformed schedule key %q", key)
	}
	accountID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, schedule.Identity{}, fmt.Errorf("malformed account in key %q: %w", key, err)
	}
	id, err := schedule.ParseIdentity(parts[1])
	if err != nil {
		return uuid.Nil, schedule.Identity{}, err
	}
	return accountID, id, nil
}
