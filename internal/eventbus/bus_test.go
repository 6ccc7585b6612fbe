package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(8)
	defer bus.Unsubscribe(id)

	bus.PublishNew(EventTaskCreated, "task-1", "", map[string]string{"owner_id": "u1"})

	select {
	case ev := <-ch:
		if ev.Type != EventTaskCreated {
			t.Errorf("expected %s, got %s", EventTaskCreated, ev.Type)
		}
		if ev.ResourceID != "task-1" {
			t.Errorf("expected resource task-1, got %s", ev.ResourceID)
		}
		if ev.ID == "" {
			t.Error("event id should be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(1)
	defer bus.Unsubscribe(id)

	// The second publish must not block even though nobody drains.
	done := make(chan struct{})
	go func() {
		bus.PublishNew(EventStepAppended, "task-1", "s1", nil)
		bus.PublishNew(EventStepAppended, "task-1", "s2", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// Only the first event fit the buffer.
	ev := <-ch
	if ev.Payload != "s1" {
		t.Errorf("expected first event s1, got %s", ev.Payload)
	}
	select {
	case ev := <-ch:
		t.Errorf("expected second event to be dropped, got %s", ev.Payload)
	default:
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(1)

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.PublishNew(EventTaskCompleted, "task-1", "", nil)
}
