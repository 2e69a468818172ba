package invalidation

import (
	"context"
	"fmt"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
	"github.com/dev-mohitbeniwal/echo/authz/util"
)

// LocalSource turns cache.invalidate events published on the in-process
// event bus into a Source.
type LocalSource struct {
	events      chan model.InvalidationEvent
	unsubscribe func()
}

func NewLocalSource(bus *util.EventBus, buffer int) *LocalSource {
	if buffer <= 0 {
		buffer = 64
	}
	s := &LocalSource{events: make(chan model.InvalidationEvent, buffer)}
	s.unsubscribe = bus.Subscribe(util.EventCacheInvalidate, s.handle)
	return s
}

func (s *LocalSource) handle(ctx context.Context, e util.Event) error {
	ev, ok := e.Payload.(model.InvalidationEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e.Payload, e.Type)
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *LocalSource) Read(ctx context.Context) (model.InvalidationEvent, error) {
	select {
	case <-ctx.Done():
		return model.InvalidationEvent{}, ctx.Err()
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *LocalSource) Close() error {
	s.unsubscribe()
	return nil
}
