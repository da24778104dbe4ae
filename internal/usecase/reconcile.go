package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"toolrelay/internal/domain"
)

// Reconciler writes a processed message back to the conversation store when,
// and only when, its parts changed. It never creates messages.
type Reconciler struct {
	store  domain.ConversationStore
	bus    domain.EventBus // may be nil
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler. bus may be nil.
func NewReconciler(store domain.ConversationStore, bus domain.EventBus, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, bus: bus, logger: logger, now: time.Now}
}

// Reconcile compares prev and next part by part and persists next when they
// differ. It reports whether a write happened. Store failures are returned
// wrapped in domain.ErrPersistence.
func (r *Reconciler) Reconcile(ctx context.Context, prev, next domain.Message) (bool, error) {
	if domain.PartsEqual(prev.Parts, next.Parts) {
		return false, nil
	}
	if next.ID == "" {
		r.logger.Debug("reconcile skipped: message has no id")
		return false, nil
	}

	if _, err := r.store.GetMessageByID(ctx, next.ID); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			r.logger.Debug("reconcile skipped: message not in history", "message_id", next.ID)
			return false, nil
		}
		return false, domain.WrapOp("Reconciler.Reconcile", fmt.Errorf("%w: lookup %s: %w", domain.ErrPersistence, next.ID, err))
	}

	persisted := next
	persisted.CreatedAt = r.now()
	if err := r.store.UpdateMessage(ctx, persisted); err != nil {
		return false, domain.WrapOp("Reconciler.Reconcile", fmt.Errorf("%w: update %s: %w", domain.ErrPersistence, next.ID, err))
	}

	r.logger.Debug("message persisted", "message_id", next.ID, "conversation_id", next.ConversationID)
	if r.bus != nil {
		payload, _ := json.Marshal(map[string]string{"message_id": next.ID})
		r.bus.Publish(ctx, domain.Event{
			Type:           domain.EventMessagePersisted,
			Timestamp:      persisted.CreatedAt,
			ConversationID: next.ConversationID,
			Payload:        payload,
		})
	}
	return true, nil
}
