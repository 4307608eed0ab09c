package events

import (
	"testing"
	"time"
)

func TestHubPublishDeliversToSubscriber(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()

	sub := h.Subscribe(4)
	defer h.Unsubscribe(sub)

	h.Publish(LifecycleEvent{Type: EventMixRequestStatusChanged, Subject: "req-1", Timestamp: time.Now()})

	select {
	case ev := <-sub:
		if ev.Subject != "req-1" {
			t.Fatalf("unexpected subject: %s", ev.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()

	sub := h.Subscribe(4)
	h.Unsubscribe(sub)

	h.Publish(LifecycleEvent{Type: EventDepositObserved, Subject: "req-2", Timestamp: time.Now()})

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected channel to be closed, got a value")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected closed channel to return immediately")
	}
}
