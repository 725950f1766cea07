package longtimer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetFiresOnceAtMinOfDelayAndMax(t *testing.T) {
	t.Parallel()

	var fired int32
	done := make(chan struct{})
	h := Set(func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	}, 30*time.Millisecond, 1*time.Hour)
	defer h.Clear()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fire")
	}

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("fired=%d want=1", got)
	}
}

func TestSetClampsToMax(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	h := Set(func() { close(done) }, 10*time.Hour, 20*time.Millisecond)
	defer h.Clear()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: max clamp did not apply")
	}
}

func TestClearBeforeFirstSegmentPreventsFiring(t *testing.T) {
	t.Parallel()

	var fired int32
	h := Set(func() { atomic.AddInt32(&fired, 1) }, 20*time.Millisecond, time.Hour)
	h.Clear()

	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Fatalf("fired=%d want=0 after Clear", got)
	}
}

func TestSetZeroDelayFiresSynchronously(t *testing.T) {
	t.Parallel()

	var fired int32
	h := Set(func() { atomic.AddInt32(&fired, 1) }, 0, time.Hour)
	defer h.Clear()

	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("fired=%d want=1 immediately", got)
	}
}
