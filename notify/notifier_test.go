package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T) (Listener, func(n int) []Event) {
	t.Helper()
	var mu sync.Mutex
	var events []Event
	listener := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	wait := func(n int) []Event {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			if len(events) >= n {
				out := append([]Event(nil), events...)
				mu.Unlock()
				return out
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
	return listener, wait
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub()

	listener, wait := collect(t)
	cancel := hub.Subscribe("/jobs/j1", listener)
	defer cancel()

	hub.Signal(Event{Key: "/jobs/j1/offset/0", Value: "status: RUNNING", Type: Added})

	events := wait(1)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Key != "/jobs/j1/offset/0" || events[0].Type != Added {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestHub_PrefixFiltering(t *testing.T) {
	hub := NewHub()

	listener, wait := collect(t)
	cancel := hub.Subscribe("/jobs/j1", listener)
	defer cancel()

	hub.Signal(Event{Key: "/jobs/j10/offset/0", Type: Added})
	hub.Signal(Event{Key: "/jobs/j2", Type: Added})
	hub.Signal(Event{Key: "/jobs/j1", Type: Updated})

	time.Sleep(50 * time.Millisecond)
	events := wait(1)
	if len(events) != 1 || events[0].Key != "/jobs/j1" {
		t.Errorf("expected only /jobs/j1, got %+v", events)
	}
}

func TestHub_RootPrefixMatchesAll(t *testing.T) {
	hub := NewHub()

	listener, wait := collect(t)
	cancel := hub.Subscribe("/", listener)
	defer cancel()

	hub.Signal(Event{Key: "/a", Type: Added})
	hub.Signal(Event{Key: "/b/c", Type: Deleted})

	if events := wait(2); len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestHub_DeliversInOrderWithoutDropping(t *testing.T) {
	hub := NewHub()

	var mu sync.Mutex
	var keys []string
	cancel := hub.Subscribe("/k", func(ev Event) {
		time.Sleep(time.Microsecond)
		mu.Lock()
		keys = append(keys, ev.Key)
		mu.Unlock()
	})
	defer cancel()

	const total = 500
	for i := 0; i < total; i++ {
		hub.Signal(Event{Key: fmt.Sprintf("/k/%d", i), Type: Updated})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(keys)
		mu.Unlock()
		if n == total {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != total {
		t.Fatalf("expected %d events, got %d", total, len(keys))
	}
	for i, k := range keys {
		if k != fmt.Sprintf("/k/%d", i) {
			t.Fatalf("out of order at %d: %s", i, k)
		}
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()

	listener, wait := collect(t)
	cancel := hub.Subscribe("/jobs", listener)

	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}

	cancel()
	cancel()

	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}

	hub.Signal(Event{Key: "/jobs/j1", Type: Added})
	time.Sleep(30 * time.Millisecond)
	if events := wait(0); len(events) != 0 {
		t.Errorf("expected no events after cancel, got %d", len(events))
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()

	listener, _ := collect(t)
	hub.Subscribe("/a", listener)
	hub.Subscribe("/b", listener)

	hub.Close()

	if hub.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", hub.SubscriberCount())
	}
}

func TestHub_ConcurrentSignals(t *testing.T) {
	hub := NewHub()

	listener, wait := collect(t)
	cancel := hub.Subscribe("/", listener)
	defer cancel()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				hub.Signal(Event{Key: fmt.Sprintf("/g%d/%d", g, i), Type: Added})
			}
		}(g)
	}
	wg.Wait()

	if events := wait(400); len(events) != 400 {
		t.Errorf("expected 400 events, got %d", len(events))
	}
}
