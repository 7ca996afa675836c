package balancer

import (
	"time"

	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/transport/tcp"
)

// fakeClock is a manually-advanced netloop.Clock, letting these tests drive
// liveness checks, backoff timers, and session idle timeouts deterministically.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time         { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// router stands in for the link/IP layer spec.md §1 treats as an external
// collaborator: it reads the destination address out of each outgoing
// packet's IPv4 header and hands it to whichever registered Host owns that
// address, letting a test topology have more than the two parties a single
// fixed output closure can wire together.
type router struct {
	hosts map[tcpip.Address]*tcp.Host
}

func newRouter() *router {
	return &router{hosts: make(map[tcpip.Address]*tcp.Host)}
}

func (r *router) register(addr tcpip.Address, h *tcp.Host) {
	r.hosts[addr] = h
}

func (r *router) output(p []byte) {
	if len(p) < 20 {
		return
	}
	var dst tcpip.Address
	copy(dst[:], p[16:20])
	if h, ok := r.hosts[dst]; ok {
		h.Deliver(p)
	}
}
