package invalidation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
	"github.com/dev-mohitbeniwal/echo/authz/util"
)

// Broadcaster delivers an event to the other gateway instances.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev model.InvalidationEvent) error
}

// Publisher announces an invalidation locally and to every broadcaster.
// Local delivery does not wait on the remote transports.
type Publisher struct {
	events       *util.EventBus
	broadcasters []Broadcaster
	now          func() time.Time
}

func NewPublisher(events *util.EventBus, broadcasters ...Broadcaster) *Publisher {
	return &Publisher{events: events, broadcasters: broadcasters, now: time.Now}
}

// Publish stamps and sends an event for scope. The returned event carries the
// ID used for de-duplication on receivers. Broadcast failures are logged and
// returned, but the local instance is invalidated regardless.
func (p *Publisher) Publish(ctx context.Context, scope model.Scope) (model.InvalidationEvent, error) {
	if err := scope.Validate(); err != nil {
		return model.InvalidationEvent{}, err
	}
	ev := model.InvalidationEvent{
		ID:         uuid.NewString(),
		Scope:      scope,
		OccurredAt: p.now().UTC(),
	}
	if p.events != nil {
		p.events.Publish(context.WithoutCancel(ctx), util.EventCacheInvalidate, ev)
	}

	var firstErr error
	for _, b := range p.broadcasters {
		if err := b.Broadcast(ctx, ev); err != nil {
			logger.Error("Failed to broadcast invalidation", zap.Error(err), zap.String("eventID", ev.ID))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return ev, firstErr
}
