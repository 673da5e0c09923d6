package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ayusman/mudra/internal/sequence"
	"github.com/ayusman/mudra/internal/store"
)

// EventType names the kind of message sent to subscribers.
type EventType string

const (
	EventDetection EventType = "detection"
	EventProgress  EventType = "progress"
	EventAction    EventType = "action"
)

// subscriberBuffer is the per-subscriber queue length. Slow subscribers lose
// events rather than stalling the frame loop.
const subscriberBuffer = 32

// Event is one message on the app's event stream.
type Event struct {
	Type      EventType          `json:"type"`
	At        time.Time          `json:"at"`
	Detection *store.Detection   `json:"detection,omitempty"`
	Effects   json.RawMessage    `json:"effects,omitempty"`
	Progress  *sequence.Progress `json:"progress,omitempty"`
	Action    *ActionResult      `json:"action,omitempty"`
}

// ActionResult reports the outcome of a bound plugin action.
type ActionResult struct {
	Pattern string          `json:"pattern"`
	Plugin  string          `json:"plugin"`
	Action  string          `json:"action"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *bus) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
