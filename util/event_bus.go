// util/event_bus.go

package util

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// Event types published on the in-process bus.
const (
	EventCacheInvalidate = "cache.invalidate"
	EventRulesetReloaded = "policy.ruleset_reloaded"
)

// Event represents an event in the system
type Event struct {
	Type    string
	Payload interface{}
}

// EventHandler is a function that handles an event
type EventHandler func(context.Context, Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to in-process subscribers. Each handler runs on
// its own goroutine; handler errors are collected and logged by Start.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
	errorChan   chan error
}

// NewEventBus creates a new EventBus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]subscription),
		errorChan:   make(chan error, 100),
	}
}

// Subscribe registers handler for eventType and returns a function that removes it.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscription{id: id, handler: handler})
	return func() { eb.unsubscribe(eventType, id) }
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(ctx context.Context, eventType string, payload interface{}) {
	eb.mu.RLock()
	subs := append([]subscription(nil), eb.subscribers[eventType]...)
	eb.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	event := Event{
		Type:    eventType,
		Payload: payload,
	}

	for _, sub := range subs {
		go func(h EventHandler) {
			if err := h(ctx, event); err != nil {
				select {
				case eb.errorChan <- fmt.Errorf("event handler error: %w", err):
				default:
					logger.Error("Error channel full, logging event handler error",
						zap.Error(err),
						zap.String("eventType", eventType))
				}
			}
		}(sub.handler)
	}
}

// Start begins processing events and handling errors
func (eb *EventBus) Start(ctx context.Context) {
	go eb.processErrors(ctx)
}

func (eb *EventBus) processErrors(ctx context.Context) {
	for {
		select {
		case err := <-eb.errorChan:
			logger.Error("Event handler error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(eb.subscribers[eventType]) == 0 {
		delete(eb.subscribers, eventType)
	}
}
