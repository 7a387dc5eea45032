package taxonomy

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventLoaded             EventKind = "loaded"
	EventRemoteChanged      EventKind = "remote_changed"
	EventMappingCreated     EventKind = "mapping_created"
	EventMappingDeleted     EventKind = "mapping_deleted"
	EventMarketplaceDeleted EventKind = "marketplace_deleted"
	EventEntityChanged      EventKind = "entity_changed"
)

type Event struct {
	Kind   EventKind      `json:"kind"`
	Entity Kind           `json:"entity,omitempty"`
	Tables []string       `json:"tables,omitempty"`
	ID     string         `json:"id,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
	At     time.Time      `json:"at"`
}

type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Bus delivers events synchronously, in subscription order, outside any
// engine lock. Observers must not block.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	observers []subscription
}

type subscription struct {
	id       int
	observer Observer
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a func that removes the observer; calling it twice is
// harmless.
func (b *Bus) Subscribe(o Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, subscription{id: id, observer: o})
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.observers {
				if s.id == id {
					b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	for i, s := range b.observers {
		observers[i] = s.observer
	}
	b.mu.RUnlock()
	for _, o := range observers {
		o.OnEvent(ev)
	}
}
