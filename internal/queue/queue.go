// Package queue is the durable, ordered log of remote mutations made while
// the remote store was unreachable. Actions are appended in FIFO order,
// persisted as a single list per account on the key-value port, and removed
// only after their remote application is confirmed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/kv"
	"github.com/dosemind/dosemind/internal/metrics"
)

const (
	queuePrefix = "syncqueue:"
	dlqPrefix   = "syncdlq:"
)

// ActionKind names a replayable remote mutation.
type ActionKind string

const (
	ActionUpsertMedication ActionKind = "upsert_medication"
	ActionMarkDoseTaken    ActionKind = "mark_dose_taken"
)

// Action is one queued mutation. Immutable except for the retry bookkeeping
// updated by Drain.
type Action struct {
	ID         uuid.UUID       `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// ConnectivityProbe reports whether the remote store is reachable. It is
// consulted once at the top of each drain attempt.
type ConnectivityProbe interface {
	IsConnected(ctx context.Context) bool
}

// Processor applies one action against the remote store. A nil return
// confirms the action and removes it from the queue.
type Processor interface {
	Process(ctx context.Context, accountID uuid.UUID, action Action) error
}

// DrainResult summarizes one drain attempt.
type DrainResult struct {
	Processed    int
	DeadLettered int
	Remaining    []Action
}

// Queue persists pending actions and dead letters per account.
type Queue struct {
	store      kv.Store
	clock      kv.Clock
	probe      ConnectivityProbe
	maxRetries int
	logger     *zap.Logger
}

func New(store kv.Store, clock kv.Clock, probe ConnectivityProbe, maxRetries int, logger *zap.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{
		store:      store,
		clock:      clock,
		probe:      probe,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Enqueue appends an action to the tail of the account's queue.
func (q *Queue) Enqueue(ctx context.Context, accountID uuid.UUID, kind ActionKind, payload json.RawMessage) (Action, error) {
	action := Action{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.clock.Now(),
	}

	actions, err := q.readList(ctx, queuePrefix+accountID.String())
	if err != nil {
		return Action{}, err
	}
	actions = append(actions, action)
	if err := q.writeList(ctx, queuePrefix+accountID.String(), actions); err != nil {
		return Action{}, err
	}

	q.logger.Info("action enqueued for offline sync",
		zap.String("account_id", accountID.String()),
		zap.String("action_id", action.ID.String()),
		zap.String("kind", string(kind)),
		zap.Int("queue_depth", len(actions)),
	)
	return action, nil
}

// Pending returns the queued actions in FIFO order.
func (q *Queue) Pending(ctx context.Context, accountID uuid.UUID) ([]Action, error) {
	return q.readList(ctx, queuePrefix+accountID.String())
}

// DeadLetters returns actions parked after exhausting their retries.
func (q *Queue) DeadLetters(ctx context.Context, accountID uuid.UUID) ([]Action, error) {
	return q.readList(ctx, dlqPrefix+accountID.String())
}

// Drain replays the queue against the processor in FIFO order. If the
// connectivity probe reports disconnected the drain is a no-op and the full
// queue is returned as remaining. An action is removed only after the
// processor confirms it; a failing action keeps its position until it has
// failed maxRetries times, at which point it is parked in the dead-letter
// list so it cannot block or retry forever. Failures are isolated
// per-action: a failure on one does not stop later actions from being
// attempted.
func (q *Queue) Drain(ctx context.Context, accountID uuid.UUID, processor Processor) (DrainResult, error) {
	queueKey := queuePrefix + accountID.String()

	actions, err := q.readList(ctx, queueKey)
	if err != nil {
		metrics.RecordQueueDrain("error")
		return DrainResult{}, err
	}
	if len(actions) == 0 {
		return DrainResult{}, nil
	}

	if !q.probe.IsConnected(ctx) {
		q.logger.Debug("drain skipped, remote unreachable",
			zap.String("account_id", accountID.String()),
			zap.Int("queue_depth", len(actions)),
		)
		metrics.RecordQueueDrain("offline")
		return DrainResult{Remaining: actions}, nil
	}

	var result DrainResult
	remaining := make([]Action, 0, len(actions))

	for _, action := range actions {
		err := processor.Process(ctx, accountID, action)
		if err == nil {
			result.Processed++
			metrics.RecordQueueAction(string(action.Kind), "processed")
			continue
		}

		action.Attempts++
		action.LastError = err.Error()

		if action.Attempts >= q.maxRetries {
			if dlqErr := q.park(ctx, accountID, action); dlqErr != nil {
				q.logger.Error("failed to dead-letter action, keeping in queue",
					zap.String("action_id", action.ID.String()),
					zap.Error(dlqErr),
				)
				remaining = append(remaining, action)
			} else {
				result.DeadLettered++
				metrics.RecordQueueAction(string(action.Kind), "dead_lettered")
			}
			continue
		}

		q.logger.Warn("queued action failed, will retry on next drain",
			zap.String("account_id", accountID.String()),
			zap.String("action_id", action.ID.String()),
			zap.String("kind", string(action.Kind)),
			zap.Int("attempts", action.Attempts),
			zap.Error(err),
		)
		metrics.RecordQueueAction(string(action.Kind), "failed")
		remaining = append(remaining, action)
	}

	if err := q.writeList(ctx, queueKey, remaining); err != nil {
		metrics.RecordQueueDrain("error")
		return result, err
	}

	result.Remaining = remaining
	metrics.RecordQueueDrain("drained")
	metrics.SetQueueDepth(len(remaining))

	q.logger.Info("queue drained",
		zap.String("account_id", accountID.String()),
		zap.Int("processed", result.Processed),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Int("remaining", len(remaining)),
	)
	return result, nil
}

// RetryDeadLetter moves a parked action back to the tail of the queue with
// its attempt count reset.
func (q *Queue) RetryDeadLetter(ctx context.Context, accountID, actionID uuid.UUID) error {
	dlqKey := dlqPrefix + accountID.String()
	parked, err := q.readList(ctx, dlqKey)
	if err != nil {
		return err
	}

	idx := -1
	for i, a := range parked {
		if a.ID == actionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("dead letter not found: %s", actionID)
	}

	action := parked[idx]
	action.Attempts = 0
	action.LastError = ""

	queued, err := q.readList(ctx, queuePrefix+accountID.String())
	if err != nil {
		return err
	}
	if err := q.writeList(ctx, queuePrefix+accountID.String(), append(queued, action)); err != nil {
		return err
	}

	parked = append(parked[:idx], parked[idx+1:]...)
	return q.writeList(ctx, dlqKey, parked)
}

// DiscardDeadLetter drops a parked action permanently.
func (q *Queue) DiscardDeadLetter(ctx context.Context, accountID, actionID uuid.UUID) error {
	dlqKey := dlqPrefix + accountID.String()
	parked, err := q.readList(ctx, dlqKey)
	if err != nil {
		return err
	}

	for i, a := range parked {
		if a.ID == actionID {
			parked = append(parked[:i], parked[i+1:]...)
			return q.writeList(ctx, dlqKey, parked)
		}
	}
	return fmt.Errorf("dead letter not found: %s", actionID)
}

func (q *Queue) park(ctx context.Context, accountID uuid.UUID, action Action) error {
	dlqKey := dlqPrefix + accountID.String()
	parked, err := q.readList(ctx, dlqKey)
	if err != nil {
		return err
	}
	if err := q.writeList(ctx, dlqKey, append(parked, action)); err != nil {
		return err
	}
	q.logger.Warn("action moved to dead letter list",
		zap.String("account_id", accountID.String()),
		zap.String("action_id", action.ID.String()),
		zap.String("kind", string(action.Kind)),
		zap.String("last_error", action.LastError),
	)
	return nil
}

func (q *Queue) readList(ctx context.Context, key string) ([]Action, error) {
	val, err := q.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read action list %q: %w", key, err)
	}

	var actions []Action
	if err := json.Unmarshal([]byte(val), &actions); err != nil {
		return nil, fmt.Errorf("decode action list %q: %w", key, err)
	}
	return actions, nil
}

func (q *Queue) writeList(ctx context.Context, key string, actions []Action) error {
	if len(actions) == 0 {
		if err := q.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear action list %q: %w", key, err)
		}
		return nil
	}

	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("marshal action list: %w", err)
	}
	if err := q.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write action list %q: %w", key, err)
	}
	return nil
}
