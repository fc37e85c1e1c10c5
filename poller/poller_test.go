package poller

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimersFireInDeadlineOrder(t *testing.T) {
	p := New()
	var order []int
	p.AddTimerEvent(30*time.Millisecond, func() { order = append(order, 2) })
	p.AddTimerEvent(10*time.Millisecond, func() { order = append(order, 1) })
	p.AddTimerEvent(50*time.Millisecond, func() { order = append(order, 3) })
	p.Run()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("got %v", order)
	}
}

func TestTiesBreakByInsertionOrder(t *testing.T) {
	p := New()
	var order []int
	d := 10 * time.Millisecond
	p.AddTimerEvent(d, func() { order = append(order, 1) })
	p.AddTimerEvent(d, func() { order = append(order, 2) })
	p.AddTimerEvent(d, func() { order = append(order, 3) })
	p.Run()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("got %v", order)
	}
}

func TestDisableCancelsBeforeFire(t *testing.T) {
	p := New()
	fired := false
	h := p.AddTimerEvent(20*time.Millisecond, func() { fired = true })
	p.AddTimerEvent(1*time.Millisecond, func() { h.Disable() })
	p.Run()
	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestRepeatingEventFiresMultipleTimes(t *testing.T) {
	p := New()
	count := 0
	var h *TimerHandle
	h = p.AddRepeatingEvent(5*time.Millisecond, func() {
		count++
		if count == 3 {
			h.Disable()
		}
	})
	p.Run()
	if count != 3 {
		t.Fatalf("got %d firings", count)
	}
}

func TestCallLaterRunsBeforeReturn(t *testing.T) {
	p := New()
	ran := false
	p.CallLater(func() { ran = true })
	p.Run()
	if !ran {
		t.Fatal("call_later callback did not run")
	}
}

func TestAddFDOutDeliversOnReactorGoroutine(t *testing.T) {
	p := New()
	ready := make(chan struct{})
	fired := make(chan struct{})
	var l *FDListener
	l = p.AddFDOut(func() error {
		<-ready
		return nil
	}, func() {
		close(fired)
		l.Close()
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		close(ready)
	}()

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AddFDOut callback never ran")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		p.Stop()
		<-done
	}
}

func TestAddFDOutStopsDeliveryAfterClose(t *testing.T) {
	p := New()
	var calls int32
	l := p.AddFDOut(func() error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}, func() { atomic.AddInt32(&calls, 1) })

	go p.Run()
	time.Sleep(20 * time.Millisecond)
	l.Close()
	time.Sleep(5 * time.Millisecond)
	atClose := atomic.LoadInt32(&calls)
	if atClose == 0 {
		t.Fatal("expected at least one delivery before close")
	}

	time.Sleep(30 * time.Millisecond)
	final := atomic.LoadInt32(&calls)
	p.Stop()

	if final > atClose+1 {
		t.Fatalf("deliveries continued well after close: at close=%d, final=%d", atClose, final)
	}
}

func TestRunExitsWithNothingPending(t *testing.T) {
	p := New()
	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with nothing scheduled")
	}
}
