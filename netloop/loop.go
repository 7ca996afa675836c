// Package netloop implements the single-threaded cooperative event loop
// that the TCP host and the balancer run on (spec.md §5). There is exactly
// one goroutine driving a Loop at a time; nothing in tcpip/transport/tcp or
// balancer takes a lock, because the loop guarantees every callback (read,
// close, timer, connect-complete) runs to completion before the next one
// starts.
//
// This generalizes the teacher's sleep.Sleeper/sleep.Waker pair (see
// sleep/sleep_unsafe.go): the teacher multiplexes wakers across goroutines
// parked with runtime.gopark, because each netstack endpoint runs its own
// goroutine. Here there is only one logical thread, so the same "named
// sources of wake-up, drained in registration order" idea is implemented
// with a plain slice and no atomics.
package netloop

import (
	"container/heap"
	"time"
)

// Clock abstracts wall-clock time so that tests can drive the loop with a
// virtual clock instead of real time.
type Clock interface {
	Now() time.Time
}

// realClock is the default Clock, backed by time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Loop is a single-threaded cooperative scheduler: posted callbacks and due
// timers are run to completion, one at a time, in the order described by
// spec.md §5.
type Loop struct {
	clock   Clock
	ready   []func()
	timers  timerHeap
	nextSeq uint64
}

// New creates a Loop driven by the real wall clock.
func New() *Loop {
	return NewWithClock(realClock{})
}

// NewWithClock creates a Loop driven by the given Clock, for deterministic
// tests.
func NewWithClock(c Clock) *Loop {
	return &Loop{clock: c}
}

// Post schedules fn to run from RunReady, after anything already posted; a
// callback posted while RunReady is running runs within that same call. Use this to defer work to "the next tick" rather than
// running it synchronously from inside a callback.
func (l *Loop) Post(fn func()) {
	l.ready = append(l.ready, fn)
}

// Now returns the loop's current time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// RunReady runs every callback that is currently ready: everything queued
// by Post (including handlers a Signal posts), and every timer whose
// deadline has passed, each exactly once, in the order in which they became ready.
// It returns the number of callbacks it ran.
func (l *Loop) RunReady() int {
	n := 0
	for {
		l.fireDueTimers()

		if len(l.ready) == 0 {
			return n
		}
		batch := l.ready
		l.ready = nil
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

func (l *Loop) fireDueTimers() {
	now := l.clock.Now()
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if t.deadline.After(now) {
			return
		}
		heap.Pop(&l.timers)
		t.armed = false
		if t.period > 0 && !t.cancelled {
			l.scheduleTimer(t, t.period)
		}
		l.ready = append(l.ready, t.fn)
	}
}

func (l *Loop) scheduleTimer(t *Timer, d time.Duration) {
	t.deadline = l.clock.Now().Add(d)
	t.cancelled = false
	t.armed = true
	l.nextSeq++
	t.seq = l.nextSeq
	heap.Push(&l.timers, t)
}

// AfterFunc arms a one-shot Timer that runs fn once d has elapsed, as
// observed by the loop's Clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	l.scheduleTimer(t, d)
	return t
}

// Every arms a periodic Timer that runs fn every d, rescheduling itself each
// time it fires until Stop is called.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn, period: d}
	l.scheduleTimer(t, d)
	return t
}

// Reset re-arms t to fire after d, cancelling any pending firing.
func (l *Loop) Reset(t *Timer, d time.Duration) {
	for i, queued := range l.timers {
		if queued == t {
			heap.Remove(&l.timers, i)
			break
		}
	}
	l.scheduleTimer(t, d)
}

// Stop cancels t. Idempotent: stopping an already-stopped or already-fired
// timer is a no-op (spec.md §5 cancellation rules).
func (l *Loop) Stop(t *Timer) {
	if t == nil {
		return
	}
	t.cancelled = true
	t.armed = false
}
