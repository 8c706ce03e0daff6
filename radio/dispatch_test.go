package radio

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatcherDeliversInOrderFromOneGoroutine(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
		inside   bool
		overlap  bool
	)

	var dispatcher *Dispatcher
	dispatcher = NewDispatcher(func(event Event) {
		mu.Lock()
		if inside {
			overlap = true
		}
		inside = true
		mu.Unlock()

		discovered := event.(PeerDiscovered)
		if discovered.PeerID == "p1" {
			// Posting from inside the handler must not deadlock.
			dispatcher.Post(PeerDiscovered{PeerID: "p3"})
		}

		mu.Lock()
		received = append(received, discovered.PeerID)
		inside = false
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	dispatcher.Post(PeerDiscovered{PeerID: "p1"})
	dispatcher.Post(PeerDiscovered{PeerID: "p2"})
	dispatcher.Post(nil)

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0] != "p1" || received[1] != "p2" || received[2] != "p3" {
		t.Fatalf("unexpected delivery order: %v", received)
	}
	if overlap {
		t.Fatalf("expected handler calls not to overlap")
	}
}

func TestDispatcherStopsWhenContextDone(t *testing.T) {
	dispatcher := NewDispatcher(func(Event) {})
	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)
	cancel()

	select {
	case <-dispatcher.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
