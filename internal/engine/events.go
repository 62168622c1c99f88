package engine

import (
	"sync"
	"time"

	"consensus-research-pipeline/internal/models"
	"consensus-research-pipeline/internal/pkg/logger"
)

// Handler receives engine events. Agent events of one iteration are emitted
// from concurrent goroutines, so handlers must be safe for concurrent use.
type Handler func(models.Event)

type SubscriptionID uint64

type subscription struct {
	id        SubscriptionID
	eventType models.EventType // empty matches every event
	handler   Handler
}

// eventBus is the engine-owned subscriber list.
type eventBus struct {
	mu          sync.RWMutex
	nextID      SubscriptionID
	subscribers []subscription
	logger      *logger.Logger
}

func newEventBus(log *logger.Logger) *eventBus {
	return &eventBus{logger: log}
}

func (bus *eventBus) subscribe(eventType models.EventType, handler Handler) SubscriptionID {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.nextID++
	bus.subscribers = append(bus.subscribers, subscription{id: bus.nextID, eventType: eventType, handler: handler})
	return bus.nextID
}

func (bus *eventBus) unsubscribe(id SubscriptionID) bool {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for i, sub := range bus.subscribers {
		if sub.id == id {
			bus.subscribers = append(bus.subscribers[:i:i], bus.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func (bus *eventBus) count() int {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return len(bus.subscribers)
}

// emit delivers synchronously, in subscription order. A panicking handler is
// logged and does not stop delivery to the others.
func (bus *eventBus) emit(researchID string, eventType models.EventType, payload any) {
	bus.mu.RLock()
	targets := make([]subscription, 0, len(bus.subscribers))
	for _, sub := range bus.subscribers {
		if sub.eventType == "" || sub.eventType == eventType {
			targets = append(targets, sub)
		}
	}
	bus.mu.RUnlock()

	event := models.Event{
		Type:       eventType,
		ResearchID: researchID,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
	for _, sub := range targets {
		bus.deliver(sub, event)
	}
}

func (bus *eventBus) deliver(sub subscription, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("Event handler panicked", "event", event.Type, "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(event)
}
