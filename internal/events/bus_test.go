package events

import (
	"fmt"
	"testing"
	"time"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(ProxyAdded, "payload")

	select {
	case e := <-ch:
		if e.Type != ProxyAdded {
			t.Errorf("event type = %s, want %s", e.Type, ProxyAdded)
		}
		if e.Payload != "payload" {
			t.Errorf("payload = %v, want payload", e.Payload)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(ProxyStatusChanged)
	defer unsub()

	bus.Publish(ProxyAdded, nil)
	bus.Publish(ProxyStatusChanged, nil)

	select {
	case e := <-ch:
		if e.Type != ProxyStatusChanged {
			t.Errorf("filtered subscriber received %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %s", e.Type)
	default:
	}
}

func TestBus_PublishOrderPreserved(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < 10; i++ {
		bus.Publish(RequestUpdate, i)
	}

	for i := 0; i < 10; i++ {
		select {
		case e := <-ch:
			if e.Payload != i {
				t.Fatalf("event %d out of order: got %v", i, e.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe() // never drained
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			bus.Publish(RequestUpdate, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe()

	unsub()
	unsub() // must not panic

	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(ProxyAdded, nil)
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()

	chans := make([]<-chan Event, 3)
	for i := range chans {
		ch, unsub := bus.Subscribe()
		defer unsub()
		chans[i] = ch
	}

	bus.Publish(ProxyRemoved, "x")

	for i, ch := range chans {
		select {
		case e := <-ch:
			if e.Type != ProxyRemoved {
				t.Errorf("subscriber %d: type = %s", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()

	const publishers = 4
	const perPublisher = 8

	for p := 0; p < publishers; p++ {
		go func(p int) {
			for i := 0; i < perPublisher; i++ {
				bus.Publish(RequestUpdate, fmt.Sprintf("%d-%d", p, i))
			}
		}(p)
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < publishers*perPublisher {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("received %d of %d events", received, publishers*perPublisher)
		}
	}
	unsub()
}
