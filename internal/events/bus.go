// Package events is the application's publish/subscribe bus for
// cross-component refresh signals. The core never publishes on its own;
// the shell decides what to broadcast from the values the core returns.
package events

import (
	"sync"
	"time"
)

// Topics.
const (
	TaskCompleted       = "taskCompleted"
	TitleChanged        = "titleChanged"
	ThemeChanged        = "themeChanged"
	SoundEnabledChanged = "soundEnabledChanged"
	SyncCompleted       = "syncCompleted"
	ConflictDetected    = "conflictDetected"
)

// Event is one published signal. Data carries the minimal payload the
// subscribers need and must be JSON-encodable.
type Event struct {
	Topic string    `json:"topic"`
	Data  any       `json:"data,omitempty"`
	At    time.Time `json:"at"`
}

// Handler receives events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Bus dispatches events to subscribers. The zero value is ready to use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// Wildcard subscribes to every topic.
const Wildcard = "*"

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for topic, or for every topic with Wildcard. The
// returned function removes the subscription.
func (b *Bus) Subscribe(topic string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string]map[int]Handler)
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
		})
	}
}

// Publish delivers e to the topic's subscribers, then to wildcard
// subscribers. A zero At is set to now.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	var handlers []Handler
	for _, fn := range b.subs[e.Topic] {
		handlers = append(handlers, fn)
	}
	for _, fn := range b.subs[Wildcard] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

// Emit publishes an event with the given topic and payload.
func (b *Bus) Emit(topic string, data any) {
	b.Publish(Event{Topic: topic, Data: data})
}
