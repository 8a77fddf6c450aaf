package webgpu

import (
	"sync"
	"time"
)

// poller is the shared completion queue for asynchronous device work.
// Items are resolved strictly in submission order: each tick resolves the
// longest prefix of items whose isDone reports true. Downstream code assumes
// in-order resolution, and completion is not guaranteed monotonic across
// unrelated fences, so every item must be tested in order.
type poller struct {
	mu       sync.Mutex
	items    []pollItem
	running  bool
	interval time.Duration
	stopped  bool
}

type pollItem struct {
	isDone func() bool
	onDone func()
}

const defaultPollInterval = 100 * time.Microsecond

func newPoller() *poller {
	return &poller{interval: defaultPollInterval}
}

// Submit queues an item and starts the polling loop when transitioning
// from zero to one queued items.
func (p *poller) Submit(isDone func() bool, onDone func()) {
	p.mu.Lock()
	p.items = append(p.items, pollItem{isDone: isDone, onDone: onDone})
	start := !p.running && !p.stopped
	if start {
		p.running = true
	}
	p.mu.Unlock()

	if start {
		go p.loop()
	}
}

func (p *poller) loop() {
	for {
		time.Sleep(p.interval)

		p.mu.Lock()
		done := 0
		for done < len(p.items) && p.items[done].isDone() {
			done++
		}
		resolved := p.items[:done:done]
		p.items = p.items[done:]
		if len(p.items) == 0 || p.stopped {
			p.running = false
			p.mu.Unlock()
			for _, it := range resolved {
				it.onDone()
			}
			return
		}
		p.mu.Unlock()

		for _, it := range resolved {
			it.onDone()
		}
	}
}

// Stop prevents further ticks once the current queue drains.
func (p *poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// Pending returns the number of queued items.
func (p *poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
