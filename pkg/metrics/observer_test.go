package metrics

import (
	"testing"
	"time"
)

func TestAsyncObserverFlushesOnClose(t *testing.T) {
	mem := NewMemoryObserver(0)
	async := NewAsyncObserver(mem, 16)
	for i := 0; i < 5; i++ {
		async.RecordEvent(Event("backend_call", float64(i), nil, nil))
	}
	async.Close()
	if got := len(mem.Events()); got != 5 {
		t.Fatalf("flushed %d events, want 5", got)
	}
	// Recording after close is a no-op, not a panic.
	async.RecordEvent(Event("backend_call", 9, nil, nil))
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := observerFunc(func(MetricsEvent) { <-block })
	async := NewAsyncObserver(slow, 1)
	defer func() {
		close(block)
		async.Close()
	}()

	// One event in flight, one buffered, the rest dropped.
	for i := 0; i < 10; i++ {
		async.RecordEvent(Event("tool_exec", float64(i), nil, nil))
	}
	deadline := time.After(time.Second)
	for async.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops under backpressure")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestAsyncObserverCloseDuringRecord(t *testing.T) {
	mem := NewMemoryObserver(0)
	async := NewAsyncObserver(mem, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Hammer the observer while Close runs; a send after the channel
		// closes would panic the goroutine and fail the test.
		for i := 0; i < 1000; i++ {
			async.RecordEvent(Event("dispatch_step", float64(i), nil, nil))
		}
	}()
	async.Close()
	<-done
	async.Close()
}

func TestMemoryObserverEvictsOldest(t *testing.T) {
	mem := NewMemoryObserver(3)
	for i := 0; i < 5; i++ {
		mem.RecordEvent(Event("dispatch_step", float64(i), nil, nil))
	}
	events := mem.Events()
	if len(events) != 3 {
		t.Fatalf("kept %d events, want 3", len(events))
	}
	if events[0].Value != 2 {
		t.Fatalf("oldest kept value = %v, want 2", events[0].Value)
	}
}

func TestMemoryObserverNamed(t *testing.T) {
	mem := NewMemoryObserver(0)
	mem.RecordEvent(Event("tool_exec", 1, nil, nil))
	mem.RecordEvent(Event("backend_call", 2, nil, nil))
	mem.RecordEvent(Event("tool_exec", 3, nil, nil))
	if got := len(mem.Named("tool_exec")); got != 2 {
		t.Fatalf("named = %d, want 2", got)
	}
}

type observerFunc func(MetricsEvent)

func (f observerFunc) RecordEvent(ev MetricsEvent) { f(ev) }
