package flageval

import (
	"log/slog"
	"sync"
)

// EventHandler receives provider lifecycle events.
type EventHandler func(event ProviderEvent)

type subscription struct {
	id      uint64
	handler EventHandler
}

type eventBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{logger: logger, handlers: make(map[EventType][]subscription)}
}

func (b *eventBus) subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[eventType]
			for i, sub := range subs {
				if sub.id == id {
					b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// publish calls handlers in subscription order outside the lock.
func (b *eventBus) publish(event ProviderEvent) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.call(sub.handler, event)
	}
}

func (b *eventBus) call(handler EventHandler, event ProviderEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", event.Type.String()),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

// On subscribes handler to events of the given type and returns a function
// that removes the subscription.
func (c *Client) On(eventType EventType, handler EventHandler) (unsubscribe func()) {
	return c.events.subscribe(eventType, handler)
}

// OnReady subscribes to ready events. The handler also fires immediately
// when the provider is already ready.
func (c *Client) OnReady(handler EventHandler) (unsubscribe func()) {
	return c.onState(EventReady, StatusReady, handler)
}

// OnError subscribes to error events, firing immediately when the provider
// is already in the error state.
func (c *Client) OnError(handler EventHandler) (unsubscribe func()) {
	return c.onState(EventError, StatusError, handler)
}

// OnStale subscribes to stale events, firing immediately when the provider
// is already stale.
func (c *Client) OnStale(handler EventHandler) (unsubscribe func()) {
	return c.onState(EventStale, StatusStale, handler)
}

// OnConfigurationChanged subscribes to configuration change events.
func (c *Client) OnConfigurationChanged(handler EventHandler) (unsubscribe func()) {
	return c.events.subscribe(EventConfigurationChanged, handler)
}

func (c *Client) onState(eventType EventType, status ProviderStatus, handler EventHandler) func() {
	unsubscribe := c.events.subscribe(eventType, handler)
	if c.Status() == status {
		c.events.call(handler, ProviderEvent{
			Type:         eventType,
			ProviderName: c.provider.Metadata().Name,
		})
	}
	return unsubscribe
}

func (c *Client) dispatch(events <-chan ProviderEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.ProviderName == "" {
				event.ProviderName = c.provider.Metadata().Name
			}
			c.logger.Debug("provider event",
				slog.String("event", event.Type.String()),
				slog.String("provider", event.ProviderName),
				slog.String("message", event.Message),
			)
			c.events.publish(event)
		}
	}
}
