package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: "job.queued", Data: "j1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "job.queued" || e.Data != "j1" {
				t.Fatalf("subscriber %d: got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(16)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "tick", Data: i})
	}
	for want := 0; want < 5; want++ {
		e := <-ch
		if e.Data != want {
			t.Fatalf("got %v, want %d", e.Data, want)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "tick", Data: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if n := len(ch); n != 2 {
		t.Fatalf("buffered %d events, want 2", n)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()

	// Must not panic even though the channel is closed.
	b.Publish(Event{Type: "tick"})

	if _, ok := <-ch; ok {
		t.Fatal("received an event after unsubscribe")
	}
}
