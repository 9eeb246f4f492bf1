package notify

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimited wraps a Notifier with a token-bucket limiter. Lifecycle
// events (start, terminal, review) always pass; high-frequency progress
// events are dropped when the limit is exceeded.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimited creates a rate-limited notifier allowing eventsPerSec
// progress events with the given burst.
func NewRateLimited(next Notifier, eventsPerSec float64, burst int, logger *zap.Logger) *RateLimited {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSec), burst),
		logger:  logger.With(zap.String("component", "notify_ratelimit")),
	}
}

func isLifecycle(kind EventKind) bool {
	switch kind {
	case EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventTaskCancelled,
		EventReviewRequested, EventReviewResolved:
		return true
	default:
		return false
	}
}

// Publish forwards the event unless it is a throttled progress event.
func (r *RateLimited) Publish(ctx context.Context, taskID string, kind EventKind, payload map[string]any) {
	if !isLifecycle(kind) && !r.limiter.Allow() {
		r.logger.Debug("progress event throttled",
			zap.String("task_id", taskID),
			zap.String("kind", string(kind)),
		)
		return
	}
	r.next.Publish(ctx, taskID, kind, payload)
}
