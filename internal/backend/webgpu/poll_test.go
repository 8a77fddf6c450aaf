package webgpu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPollerResolvesInOrder(t *testing.T) {
	p := newPoller()
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}
	always := func() bool { return true }

	for i := 0; i < 5; i++ {
		p.Submit(always, record(i))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, "items never resolved")

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("resolution order %v, want ascending", order)
		}
	}
}

func TestPollerBlocksOnUnfinishedPrefix(t *testing.T) {
	p := newPoller()
	defer p.Stop()

	var gate atomic.Bool
	var firstDone, laterDone atomic.Bool

	p.Submit(gate.Load, func() { firstDone.Store(true) })
	p.Submit(func() bool { return true }, func() { laterDone.Store(true) })

	// The second item is complete, but resolution is strictly in order.
	time.Sleep(20 * time.Millisecond)
	if firstDone.Load() || laterDone.Load() {
		t.Fatal("items resolved past an unfinished predecessor")
	}

	gate.Store(true)
	waitFor(t, func() bool { return firstDone.Load() && laterDone.Load() }, "items never resolved after gate opened")
	if p.Pending() != 0 {
		t.Errorf("pending = %d, want 0", p.Pending())
	}
}

func TestPollerRestartsAfterDrain(t *testing.T) {
	p := newPoller()
	defer p.Stop()

	var n atomic.Int32
	p.Submit(func() bool { return true }, func() { n.Add(1) })
	waitFor(t, func() bool { return n.Load() == 1 }, "first item never resolved")

	// The loop has exited; a fresh submit must start it again.
	p.Submit(func() bool { return true }, func() { n.Add(1) })
	waitFor(t, func() bool { return n.Load() == 2 }, "poller did not restart after draining")
}
