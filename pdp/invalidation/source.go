package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// Source yields invalidation events. Read blocks until an event arrives or
// ctx ends. A decode failure is reported as ErrMalformedEvent and the source
// stays usable; io.EOF means the source is exhausted.
type Source interface {
	Read(ctx context.Context) (model.InvalidationEvent, error)
}

type wireEvent struct {
	ID         string       `json:"id"`
	Scope      *model.Scope `json:"scope"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// decodeEvent parses a JSON event. The scope is mandatory: an absent scope
// must not be read as the all-entries scope.
func decodeEvent(data []byte) (model.InvalidationEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return model.InvalidationEvent{}, fmt.Errorf("%w: %v", authzErrors.ErrMalformedEvent, err)
	}
	if w.Scope == nil {
		return model.InvalidationEvent{}, fmt.Errorf("%w: missing scope", authzErrors.ErrMalformedEvent)
	}
	return model.InvalidationEvent{ID: w.ID, Scope: *w.Scope, OccurredAt: w.OccurredAt}, nil
}

func encodeEvent(ev model.InvalidationEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invalidation event: %w", err)
	}
	return data, nil
}
