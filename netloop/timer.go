package netloop

import "time"

// Timer is a handle to a one-shot or periodic callback armed on a Loop. The
// zero value is not usable; obtain one from Loop.AfterFunc or Loop.Every.
type Timer struct {
	fn        func()
	deadline  time.Time
	period    time.Duration
	seq       uint64
	armed     bool
	cancelled bool
}

// Armed reports whether the timer is currently scheduled to fire.
func (t *Timer) Armed() bool { return t.armed && !t.cancelled }

// timerHeap is a container/heap.Interface ordering timers by deadline, and
// by sequence number among equal deadlines so that "timers scheduled for
// the same tick fire in FIFO order" (spec.md §5).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*Timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
