package events

import (
	"testing"
	"time"
)

func TestPublishTaskUpdateDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.PublishTaskUpdate(42)

	select {
	case ev := <-sub:
		if ev.Kind != KindTaskUpdate || ev.TaskID != 42 {
			t.Fatalf("got %+v, want task-update for task 42", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-update event")
	}
}

func TestPublishTaskProgressCarriesPayload(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.PublishTaskProgress(7, 42, "1.2MB/s")

	select {
	case ev := <-sub:
		if ev.Kind != KindTaskProgress || ev.Percent != 42 || ev.Speed != "1.2MB/s" {
			t.Fatalf("got %+v, want task-progress 42%% at 1.2MB/s", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-progress event")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.PublishTaskUpdate(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Flood past the subscriber's buffer; none of this should block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.PublishTaskUpdate(int64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}

	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}

	if _, ok := <-sub; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}
