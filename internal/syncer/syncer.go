// Package syncer drains the offline action queue against the remote store
// with at-least-once semantics. Safety under replay comes from the remote
// side: upserts are idempotent by construction, and dose-log inserts are
// guarded by a uniqueness constraint whose violation is surfaced as an
// idempotent conflict.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dosemind/dosemind/internal/medication"
	"github.com/dosemind/dosemind/internal/queue"
	"github.com/dosemind/dosemind/internal/remote"
)

// Syncer is the queue.Processor that applies queued actions remotely.
type Syncer struct {
	remote remote.Store
	logger *zap.Logger
}

func New(store remote.Store, logger *zap.Logger) *Syncer {
	return &Syncer{remote: store, logger: logger}
}

// Process applies one queued action. A remote rejection indicating the
// action's effect is already in place is treated as terminal success for
// every action kind, so a replayed mutation can never wedge the queue.
func (s *Syncer) Process(ctx context.Context, accountID uuid.UUID, action queue.Action) error {
	var err error

	switch action.Kind {
	case queue.ActionUpsertMedication:
		var med medication.Medication
		if uErr := json.Unmarshal(action.Payload, &med); uErr != nil {
			return fmt.Errorf("decode upsert payload: %w", uErr)
		}
		err = s.remote.UpsertMedication(ctx, med)

	case queue.ActionMarkDoseTaken:
		var entry medication.DoseLog
		if uErr := json.Unmarshal(action.Payload, &entry); uErr != nil {
			return fmt.Errorf("decode dose payload: %w", uErr)
		}
		err = s.remote.InsertDoseLog(ctx, entry)

	default:
		return fmt.Errorf("unknown queued action kind: %s", action.Kind)
	}

	if errors.Is(err, remote.ErrIdempotentConflict) {
		s.logger.Info("queued action already applied remotely, confirming",
			zap.String("account_id", accountID.String()),
			zap.String("action_id", action.ID.String()),
			zap.String("kind", string(action.Kind)),
		)
		return nil
	}
	return err
}
