package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"toolrelay/internal/domain"
	"toolrelay/internal/usecase/scheduling"
)

// RetentionTaskName names the retention sweep in the scheduler.
const RetentionTaskName = "message_retention"

// RetentionSweeper deletes conversation history older than a maximum age.
type RetentionSweeper struct {
	store  domain.ConversationStore
	maxAge time.Duration
	bus    domain.EventBus // may be nil
	logger *slog.Logger
	now    func() time.Time
}

// NewRetentionSweeper creates a sweeper. A non-positive maxAge disables it.
func NewRetentionSweeper(store domain.ConversationStore, maxAge time.Duration, bus domain.EventBus, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{store: store, maxAge: maxAge, bus: bus, logger: logger, now: time.Now}
}

// Enabled reports whether the sweeper deletes anything.
func (r *RetentionSweeper) Enabled() bool { return r.maxAge > 0 }

// Sweep deletes messages created before now minus the maximum age.
func (r *RetentionSweeper) Sweep(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return domain.WrapOp("RetentionSweeper.Sweep", err)
	}
	r.logger.Info("retention sweep", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))

	if r.bus != nil && n > 0 {
		r.bus.Publish(ctx, domain.Event{
			Type:      domain.EventRetentionSwept,
			Timestamp: r.now(),
			Payload:   json.RawMessage(fmt.Sprintf(`{"deleted":%d}`, n)),
		})
	}
	return nil
}

// Schedule registers the sweep with s. It is a no-op when the sweeper is
// disabled.
func (r *RetentionSweeper) Schedule(s *scheduling.Scheduler, schedule string) error {
	if !r.Enabled() {
		r.logger.Debug("retention disabled")
		return nil
	}
	return s.Add(scheduling.Task{Name: RetentionTaskName, Schedule: schedule, Run: r.Sweep})
}
