package notify

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	a := hub.Subscribe()
	b := hub.Subscribe()
	if hub.SubscriberCount() != 2 {
		t.Fatalf("subscribers = %d", hub.SubscriberCount())
	}

	evt := Event{X: 3, Y: 5, Color: "#ff0000", Owner: "0xalice", ClaimCount: 2}
	hub.Publish(evt)

	for _, sub := range []*Subscription{a, b} {
		select {
		case got := <-sub.C:
			if got != evt {
				t.Fatalf("event = %+v, want %+v", got, evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Subscribe()
	sub.Close()
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d", hub.SubscriberCount())
	}

	if _, open := <-sub.C; open {
		t.Fatal("channel still open after Close")
	}

	// Closing twice is harmless.
	sub.Close()
}

func TestLaggingSubscriberDropped(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	slow := hub.Subscribe()
	for i := 0; i <= subscriberBuffer; i++ {
		hub.Publish(Event{X: i})
	}

	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d, want 0", hub.SubscriberCount())
	}

	// Buffered events remain readable, then the channel closes.
	for i := 0; i < subscriberBuffer; i++ {
		if _, open := <-slow.C; !open {
			t.Fatalf("channel closed after %d events", i)
		}
	}
	if _, open := <-slow.C; open {
		t.Fatal("channel not closed after drop")
	}
}

func TestSubscribeAfterCloseReturnsNil(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	if sub := hub.Subscribe(); sub != nil {
		t.Fatal("expected nil subscription after Close")
	}
}
