package app

import (
	"sync"
	"time"
)

// RingTimer is the single cancelable countdown for an unanswered
// incoming call. It ticks once per second, publishing the remaining
// time for display, and fires onExpire exactly once when it reaches
// zero. Stop disarms it race-free: after Stop returns true, onExpire
// is guaranteed not to run.
type RingTimer struct {
	mu      sync.Mutex
	stopped bool
	fired   bool

	remain chan int
	done   chan struct{}
}

// StartRingTimer arms a countdown of d (rounded down to whole seconds,
// minimum one) and returns immediately.
func StartRingTimer(d time.Duration, onExpire func()) *RingTimer {
	t := &RingTimer{
		remain: make(chan int, 1),
		done:   make(chan struct{}),
	}
	total := int(d / time.Second)
	if total < 1 {
		total = 1
	}
	go t.run(total, onExpire)
	return t
}

func (t *RingTimer) run(total int, onExpire func()) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	t.push(total)
	left := total
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			left--
			t.push(left)
			if left > 0 {
				continue
			}
			// The stopped check and the fired flag share one mutex
			// with Stop, so cancellation and firing cannot race.
			t.mu.Lock()
			if t.stopped {
				t.mu.Unlock()
				return
			}
			t.fired = true
			t.mu.Unlock()
			onExpire()
			return
		}
	}
}

// push replaces the latest remaining-time value without blocking.
func (t *RingTimer) push(left int) {
	select {
	case t.remain <- left:
	default:
		select {
		case <-t.remain:
		default:
		}
		select {
		case t.remain <- left:
		default:
		}
	}
}

// Remaining yields the most recent remaining-seconds value.
func (t *RingTimer) Remaining() <-chan int {
	return t.remain
}

// Stop disarms the timer. It returns true when the timer was disarmed
// before firing; false when onExpire already ran (or Stop was called
// before). Safe to call multiple times.
func (t *RingTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	close(t.done)
	return true
}
