package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	feed, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish("escrow.funded", map[string]any{"id": "esc_1"})

	select {
	case ev := <-feed:
		if ev.Name != "escrow.funded" {
			t.Errorf("Expected escrow.funded, got %s", ev.Name)
		}
		if ev.Data["id"] != "esc_1" {
			t.Errorf("Expected payload id esc_1, got %v", ev.Data["id"])
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe(8)
	defer cancelA()
	b, cancelB := bus.Subscribe(8)
	defer cancelB()

	bus.Publish("dispute.opened", nil)

	for i, feed := range []<-chan Event{a, b} {
		select {
		case ev := <-feed:
			if ev.Name != "dispute.opened" {
				t.Errorf("Subscriber %d: expected dispute.opened, got %s", i, ev.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d: timeout waiting for event", i)
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	feed, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.Publish("a", nil)
		bus.Publish("b", nil) // buffer full, dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	ev := <-feed
	if ev.Name != "a" {
		t.Errorf("Expected the first event to survive, got %s", ev.Name)
	}
	select {
	case ev := <-feed:
		t.Errorf("Expected the second event dropped, got %s", ev.Name)
	default:
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	feed, cancel := bus.Subscribe(8)
	cancel()
	// Cancel is idempotent.
	cancel()

	bus.Publish("escrow.released", nil)

	if _, ok := <-feed; ok {
		t.Error("Expected a closed channel after cancel")
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	feed, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Close()

	if _, ok := <-feed; ok {
		t.Error("Expected subscriber channel closed on bus close")
	}

	// Publishing and closing after close are harmless.
	bus.Publish("escrow.expired", nil)
	bus.Close()

	// Subscribing after close yields an already-closed channel.
	late, _ := bus.Subscribe(8)
	if _, ok := <-late; ok {
		t.Error("Expected a closed channel for late subscribers")
	}
}
