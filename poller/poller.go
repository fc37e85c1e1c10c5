// Package poller implements the single-threaded cooperative reactor that
// every session in this daemon runs on top of. One goroutine calls Run;
// every registered callback -- fd readiness, timers, deferred work -- is
// invoked from that goroutine and never runs concurrently with another
// callback. Producers (a UDP socket's background reader, a timer firing)
// live on their own goroutines but only ever hand a closure to the
// poller for it to run in turn; they never call application code
// directly.
package poller

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Poller is a single-threaded reactor. The zero value is not usable; use
// New.
type Poller struct {
	mu     sync.Mutex
	timers timerHeap
	nextSeq int

	fdEvents  chan func()
	wake      chan struct{}
	stop      chan struct{}
	activeFDs int32

	running int32
}

// New returns a ready Poller.
func New() *Poller {
	return &Poller{
		fdEvents: make(chan func(), 64),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

type timerItem struct {
	deadline time.Time
	seq      int
	id       int
	period   time.Duration // 0 for one-shot
	cb       func()
	canceled bool
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerItem)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (p *Poller) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// TimerHandle references one scheduled timer. Disable cancels it;
// reassigning the variable holding a handle without disabling the old
// one leaks nothing but also does not cancel it implicitly -- callers
// that want "reassigning cancels the previous timer" semantics (as the
// CK silence-timer re-arm in rtpserver and rtpclient does) must call
// Disable explicitly, which is the
// idiomatic Go spelling of "the handle's destructor disconnects".
type TimerHandle struct {
	p  *Poller
	id int
}

// Disable cancels the timer if it has not already fired. It is safe to
// call from within any callback, including the timer's own (a one-shot
// timer cannot be rearmed by disabling it from inside itself -- the
// invocation already in progress completes normally).
func (h *TimerHandle) Disable() {
	if h == nil || h.p == nil {
		return
	}
	p := h.p
	p.mu.Lock()
	for _, it := range p.timers {
		if it.id == h.id {
			it.canceled = true
			break
		}
	}
	p.mu.Unlock()
	p.nudge()
}

// AddTimerEvent schedules cb to run once, after d. Returned handle can be
// disabled before it fires.
func (p *Poller) AddTimerEvent(d time.Duration, cb func()) *TimerHandle {
	return p.schedule(d, 0, cb)
}

// AddRepeatingEvent schedules cb to run every period, starting after the
// first period elapses.
func (p *Poller) AddRepeatingEvent(period time.Duration, cb func()) *TimerHandle {
	return p.schedule(period, period, cb)
}

func (p *Poller) schedule(d, period time.Duration, cb func()) *TimerHandle {
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	it := &timerItem{deadline: time.Now().Add(d), seq: seq, id: seq, period: period, cb: cb}
	heap.Push(&p.timers, it)
	p.mu.Unlock()
	p.nudge()
	return &TimerHandle{p: p, id: it.id}
}

// CallLater runs cb on the reactor goroutine before the next blocking
// wait for I/O or timers -- the poller's equivalent of scheduling work
// for "as soon as possible, but not re-entrantly".
func (p *Poller) CallLater(cb func()) {
	p.schedule(0, 0, cb)
}

// FDListener gates delivery of fd-readiness callbacks: once its Close
// method is called, no further invocations are delivered, even if one is
// already queued.
type FDListener struct {
	active int32
}

// Close cancels the registration. Safe to call multiple times.
func (l *FDListener) Close() { atomic.StoreInt32(&l.active, 0) }

// post is called by the owner of a registered reader (e.g. udpendpoint's
// background recvfrom loop) every time a read completes; it hands the
// resulting callback invocation to the reactor goroutine.
func (p *Poller) post(l *FDListener, cb func()) {
	atomic.AddInt32(&p.activeFDs, 1)
	select {
	case p.fdEvents <- func() {
		if atomic.LoadInt32(&l.active) != 0 {
			cb()
		}
		atomic.AddInt32(&p.activeFDs, -1)
	}:
	case <-p.stop:
		atomic.AddInt32(&p.activeFDs, -1)
	}
}

// AddFDIn registers a readiness source. The caller passes source, a
// closure that performs exactly one blocking read and returns the bytes
// and peer address (or an error when the underlying socket is closed,
// at which point the reader loop exits); cb is invoked on the reactor
// goroutine with the result of every successful read. AddFDIn starts the
// background reader goroutine and returns a listener whose Close stops
// new deliveries.
func (p *Poller) AddFDIn(source func() ([]byte, interface{}, error), cb func([]byte, interface{})) *FDListener {
	l := &FDListener{active: 1}
	atomic.AddInt32(&p.activeFDs, 1)
	go func() {
		defer atomic.AddInt32(&p.activeFDs, -1)
		for atomic.LoadInt32(&l.active) != 0 {
			buf, addr, err := source()
			if err != nil {
				return
			}
			p.post(l, func() { cb(buf, addr) })
		}
	}()
	return l
}

// AddFDOut registers a write-readiness source, mirroring AddFDIn. The
// caller passes source, a closure that performs exactly one blocking
// wait for the underlying descriptor to become writable and returns an
// error once the descriptor is closed, at which point the background
// goroutine exits; cb is invoked on the reactor goroutine after every
// successful wait. AddFDOut starts the background goroutine and returns
// a listener whose Close stops new deliveries.
func (p *Poller) AddFDOut(source func() error, cb func()) *FDListener {
	l := &FDListener{active: 1}
	atomic.AddInt32(&p.activeFDs, 1)
	go func() {
		defer atomic.AddInt32(&p.activeFDs, -1)
		for atomic.LoadInt32(&l.active) != 0 {
			if err := source(); err != nil {
				return
			}
			p.post(l, cb)
		}
	}()
	return l
}

// Stop asks Run to return as soon as the current callback (if any)
// finishes.
func (p *Poller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Run dispatches callbacks until there are no pending timers, no
// registered fd listeners and no queued fd events, or until Stop is
// called. It is not safe to call Run from more than one goroutine at a
// time.
func (p *Poller) Run() {
	atomic.StoreInt32(&p.running, 1)
	defer atomic.StoreInt32(&p.running, 0)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		empty := len(p.timers) == 0
		p.mu.Unlock()
		if empty && atomic.LoadInt32(&p.activeFDs) == 0 {
			select {
			case fn := <-p.fdEvents:
				fn()
				continue
			default:
				return
			}
		}

		var timerC <-chan time.Time
		var tm *time.Timer
		p.mu.Lock()
		if len(p.timers) > 0 {
			d := time.Until(p.timers[0].deadline)
			if d < 0 {
				d = 0
			}
			tm = time.NewTimer(d)
			timerC = tm.C
		}
		p.mu.Unlock()

		select {
		case <-p.stop:
			if tm != nil {
				tm.Stop()
			}
			return
		case fn := <-p.fdEvents:
			if tm != nil {
				tm.Stop()
			}
			fn()
		case <-p.wake:
			if tm != nil {
				tm.Stop()
			}
			// loop around; heap contents changed (new/cancelled timer)
		case <-timerC:
			p.fireDue()
		}
	}
}

// fireDue pops and runs every timer whose deadline has passed, in
// (deadline, insertion order) order, re-arming repeating timers.
func (p *Poller) fireDue() {
	for {
		p.mu.Lock()
		if len(p.timers) == 0 {
			p.mu.Unlock()
			return
		}
		top := p.timers[0]
		if top.deadline.After(time.Now()) {
			p.mu.Unlock()
			return
		}
		heap.Pop(&p.timers)
		if top.period > 0 && !top.canceled {
			top.deadline = time.Now().Add(top.period)
			heap.Push(&p.timers, top)
		}
		p.mu.Unlock()

		if !top.canceled {
			top.cb()
		}
	}
}
