package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/metahook/pkg/engine"
)

// EventRecorder is a lifecycle listener that appends every event it receives to a store.
// Listener callbacks cannot fail, so write errors are logged and dropped.
type EventRecorder struct {
	store   EventAppender
	logger  zerolog.Logger
	timeout time.Duration
}

// NewEventRecorder creates a recorder writing to store.
func NewEventRecorder(store EventAppender, logger zerolog.Logger) *EventRecorder {
	return &EventRecorder{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// ModuleChanged implements engine.LifecycleListener.
func (r *EventRecorder) ModuleChanged(event engine.LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Warn().
			Err(err).
			Uint64("module_id", uint64(event.Module)).
			Str("event", string(event.Type)).
			Msg("Failed to record lifecycle event")
	}
}
