package testutil

import (
	"sync"
	"time"
)

// FakeTimer satisfies backoff.Timer without sleeping. Every Start records
// the requested duration, advances the attached clock (if any) and fires
// immediately.
type FakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	clock *StubClock
	c     chan time.Time
}

// NewFakeTimer creates a FakeTimer. clock may be nil.
func NewFakeTimer(clock *StubClock) *FakeTimer {
	return &FakeTimer{clock: clock, c: make(chan time.Time, 1)}
}

func (f *FakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()

	now := time.Time{}
	if f.clock != nil {
		f.clock.Advance(d)
		now = f.clock.Now()
	}

	// drop a tick nobody consumed
	select {
	case <-f.c:
	default:
	}
	f.c <- now
}

func (f *FakeTimer) Stop() {}

func (f *FakeTimer) C() <-chan time.Time { return f.c }

// Waits returns every duration passed to Start, in order.
func (f *FakeTimer) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

// Total returns the sum of all recorded waits.
func (f *FakeTimer) Total() time.Duration {
	var total time.Duration
	for _, d := range f.Waits() {
		total += d
	}
	return total
}
