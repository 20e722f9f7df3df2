package app

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRingTimerFiresOnce(t *testing.T) {
	var fired atomic.Int32
	timer := StartRingTimer(1*time.Second, func() { fired.Add(1) })

	time.Sleep(1500 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected 1 fire, got %d", got)
	}
	if timer.Stop() {
		t.Fatal("Stop after fire must report false")
	}
}

func TestRingTimerStopPreventsFire(t *testing.T) {
	var fired atomic.Int32
	timer := StartRingTimer(1*time.Second, func() { fired.Add(1) })

	if !timer.Stop() {
		t.Fatal("Stop before fire must report true")
	}
	time.Sleep(1500 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("expired after Stop: %d fires", got)
	}
}

func TestRingTimerStopIdempotent(t *testing.T) {
	timer := StartRingTimer(time.Minute, func() {})
	if !timer.Stop() {
		t.Fatal("first Stop must report true")
	}
	if timer.Stop() {
		t.Fatal("second Stop must report false")
	}
}

func TestRingTimerPublishesCountdown(t *testing.T) {
	timer := StartRingTimer(3*time.Second, func() {})
	defer timer.Stop()

	select {
	case left := <-timer.Remaining():
		if left <= 0 || left > 3 {
			t.Fatalf("unexpected remaining value %d", left)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no countdown value published")
	}
}
