package bus_test

import (
	"testing"
	"time"

	"github.com/platform-q-ai/taskrun/internal/taskrun/agent"
	"github.com/platform-q-ai/taskrun/internal/taskrun/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe(bus.TaskTopic("task-1"))
	defer cancel()

	b.Publish(bus.TaskTopic("task-1"), bus.StatusChanged{TaskID: "task-1", Status: "running"})

	select {
	case msg := <-ch:
		sc, ok := msg.(bus.StatusChanged)
		if !ok {
			t.Fatalf("expected StatusChanged, got %T", msg)
		}
		if sc.Status != "running" {
			t.Errorf("expected running, got %s", sc.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublish_TopicIsolation(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe(bus.TaskTopic("task-1"))
	defer cancel()

	b.Publish(bus.TaskTopic("task-2"), bus.StatusChanged{TaskID: "task-2", Status: "failed"})

	select {
	case msg := <-ch:
		t.Fatalf("received message for another task's topic: %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DoesNotBlockOnFullSubscriber(t *testing.T) {
	b := bus.New()
	_, cancel := b.Subscribe(bus.TaskTopic("task-1"))
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Well past the subscriber buffer; must not block.
		for i := 0; i < 200; i++ {
			b.Publish(bus.TaskTopic("task-1"), bus.EventForwarded{
				TaskID: "task-1",
				Event:  agent.Event{Type: "message.part.updated"},
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an undrained subscriber")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := bus.New()
	ch, cancel := b.Subscribe(bus.TaskTopic("task-1"))
	cancel()
	cancel() // second call must be a no-op, not a double close

	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after cancel")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(bus.TaskTopic("task-1"), bus.StatusChanged{TaskID: "task-1", Status: "completed"})
}
