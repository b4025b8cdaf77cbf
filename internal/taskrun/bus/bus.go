// Package bus provides the in-process notification fan-out for task runners.
//
// Runners publish status changes and forwarded agent events onto a per-task
// topic; external observers (a UI gateway, a test) subscribe to the topic and
// receive them asynchronously. Publishing never blocks a runner: a subscriber
// that stops draining its channel loses messages rather than stalling the
// task.
package bus

import (
	"log/slog"
	"sync"

	"github.com/platform-q-ai/taskrun/internal/taskrun/agent"
)

// subscriberBuffer is the per-subscriber channel capacity. Messages beyond
// this are dropped for that subscriber only.
const subscriberBuffer = 64

// Message is a notification delivered to topic subscribers.
type Message interface {
	isMessage()
}

// StatusChanged notifies observers that a task's persisted status moved.
type StatusChanged struct {
	TaskID string
	Status string
}

func (StatusChanged) isMessage() {}

// EventForwarded carries an agent event passed through by the runner.
type EventForwarded struct {
	TaskID string
	Event  agent.Event
}

func (EventForwarded) isMessage() {}

// TaskTopic returns the topic name carrying a task's notifications.
func TaskTopic(taskID string) string {
	return "task:" + taskID
}

// Bus is an in-process topic fan-out.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Message
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Message)}
}

// Subscribe registers a new subscriber on topic. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Message)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, subscriberBuffer)
	b.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber of topic without blocking.
// Subscribers whose buffer is full are skipped.
func (b *Bus) Publish(topic string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			slog.Warn("bus: dropping message for slow subscriber", "topic", topic)
		}
	}
}
