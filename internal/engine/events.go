package engine

import (
	"sync"
	"time"

	"github.com/fentz26/bountyd/internal/models"
)

// EventType identifies a domain event emitted by the engine.
type EventType string

const (
	EventTaskCreated           EventType = "task.created"
	EventApplicationSubmitted  EventType = "application.submitted"
	EventApplicationDecided    EventType = "application.decided"
	EventStatusAdvanced        EventType = "task.status_advanced"
	EventWorkSubmitted         EventType = "task.work_submitted"
	EventTaskAccepted          EventType = "task.accepted"
	EventModificationRequested EventType = "task.modification_requested"
	EventTaskReopened          EventType = "task.reopened"
)

// Event is emitted after a command commits. Downstream adapters subscribe to
// the engine instead of polling state; the reward adapter reacts to
// EventTaskAccepted.
type Event struct {
	Type        EventType           `json:"type"`
	Task        *models.Task        `json:"task,omitempty"`
	Application *models.Application `json:"application,omitempty"`
	At          time.Time           `json:"at"`
}

// eventBus fans events out to subscribers. Sends block when a subscriber's
// buffer is full: events carry financial consequences, so dropping them is
// not an option. Subscribers must keep draining until they unsubscribe.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe returns a channel of events and a cancel function. The cancel
// function closes the channel.
func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish delivers ev to every subscriber. The lock is held across the sends
// so a concurrent cancel cannot close a channel mid-send; subscribers must
// not call cancel from the goroutine that stopped draining.
func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- ev
	}
}
