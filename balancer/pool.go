// Package balancer implements the reverse-proxy load balancer built on top
// of the tcpip/transport/tcp stack: a pool of warm upstream connections per
// backend node, a session engine that pairs clients with pooled upstreams,
// a wait queue for clients that arrive before a backend is ready, and a
// live-update serializer (spec.md §4.6-4.8).
package balancer

import (
	"log"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ustack/tcplb/internal/metrics"
	"github.com/ustack/tcplb/netloop"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/transport/tcp"
)

const (
	// maxOutgoingAttempts caps per-tick warming dispatch (spec.md §4.6).
	maxOutgoingAttempts = 100

	// connectThrowPeriod is the one-shot retry delay after a connect
	// failure, typically ephemeral-port exhaustion (spec.md §4.6).
	connectThrowPeriod = 20 * time.Second

	// connectTimeout bounds an active-check connect attempt.
	connectTimeout = 2 * time.Second

	// activeCheckPeriod/inactiveCheckPeriod are the "short"/"longer" probe
	// intervals spec.md §4.6 describes for a node's liveness check.
	activeCheckPeriod   = 5 * time.Second
	inactiveCheckPeriod = 15 * time.Second
)

// Node is one backend, holding a pool of warm, unassigned upstream
// connections plus its own active/inactive liveness state. Grounded on the
// teacher pack's netstack connection-management idiom (sync.Mutex-free,
// event-loop owned) generalized to the balancer's node concept, which has
// no direct analogue in the retrieved teacher slice (spec.md §4.6 is
// grounded directly against spec text and against
// `lib/microLB/microlb/balancer.cpp` in original_source/, per SPEC_FULL §D).
type Node struct {
	Addr tcpip.FullAddress

	pool   *Pool
	active bool
	conns  []*tcp.Connection // warm, unassigned, LIFO-acquired from the back
	outstanding int          // in-flight connect attempts not yet resolved

	retryLimiter *rate.Limiter
	retryArmed   bool
	checkTimer   *netloop.Timer
}

// Pool owns every Node for one balancer instance and the machinery that
// keeps them warm (spec.md §4.6).
type Pool struct {
	host   *tcp.Host
	loop   *netloop.Loop
	nodes  []*Node
	target int // pool_target: desired warm connections per active node

	dispatch *semaphore.Weighted // bounds concurrent outbound connects

	rrCursor int // algo_iterator: round-robin position across nodes

	onChange func() // notified whenever pool composition changes
}

// NewPool creates a Pool dialing out via host, keeping target warm
// connections per active node.
func NewPool(host *tcp.Host, loop *netloop.Loop, addrs []tcpip.FullAddress, target int) *Pool {
	p := &Pool{
		host:     host,
		loop:     loop,
		target:   target,
		dispatch: semaphore.NewWeighted(int64(maxOutgoingAttempts)),
	}
	for _, a := range addrs {
		n := &Node{Addr: a, pool: p, retryLimiter: rate.NewLimiter(rate.Every(connectThrowPeriod), 1)}
		p.nodes = append(p.nodes, n)
		n.armCheck(activeCheckPeriod)
	}
	return p
}

// Signal fires the pool-change event spec.md §4.6 names "signal": it drives
// warming for every active node with room in its pool.
func (p *Pool) Signal() {
	for _, n := range p.nodes {
		if n.active {
			n.warm()
		}
	}
	if p.onChange != nil {
		p.onChange()
	}
}

// OnChange registers a callback fired every time Signal runs, used by the
// session engine to re-drive the wait queue.
func (p *Pool) OnChange(fn func()) { p.onChange = fn }

// ActiveCount reports the number of nodes currently marked active.
func (p *Pool) ActiveCount() int {
	n := 0
	for _, node := range p.nodes {
		if node.active {
			n++
		}
	}
	return n
}

// armCheck schedules the node's next liveness probe.
func (n *Node) armCheck(period time.Duration) {
	n.checkTimer = n.pool.loop.AfterFunc(period, n.runCheck)
}

// runCheck implements spec.md §4.6's "Active check": attempt a connect; a
// success keeps the connection pooled and marks the node active; a failure
// marks it inactive and reschedules with the longer period.
func (n *Node) runCheck() {
	n.pool.dial(n, func(c *tcp.Connection, err error) {
		wasActive := n.active
		if err != nil {
			n.active = false
			if wasActive {
				n.closePooled()
				log.Printf("balancer: node %s went inactive: %v", n.Addr, err)
			}
			n.armCheck(inactiveCheckPeriod)
			return
		}
		if !wasActive {
			n.active = true
			log.Printf("balancer: node %s is active", n.Addr)
		}
		n.push(c)
		n.armCheck(activeCheckPeriod)
		n.pool.Signal()
	})
}

// warm implements spec.md §4.6's "Warming": dispatch target-available new
// outbound connects, capped by the dispatch semaphore (MAX_OUTGOING_ATTEMPTS,
// per spec.md's constant, shared by every node of this Pool).
func (n *Node) warm() {
	need := n.pool.target - len(n.conns) - n.outstanding
	for i := 0; i < need; i++ {
		// A connect that completes inline re-enters warm via Signal, so
		// recheck the room left before each new attempt.
		if n.pool.target-len(n.conns)-n.outstanding <= 0 {
			break
		}
		if !n.pool.dispatch.TryAcquire(1) {
			break
		}
		n.outstanding++
		n.pool.dial(n, func(c *tcp.Connection, err error) {
			n.pool.dispatch.Release(1)
			n.outstanding--
			if err != nil {
				n.scheduleBackoff()
				return
			}
			n.push(c)
			n.pool.Signal()
		})
	}
}

// scheduleBackoff implements spec.md §4.6's "Backoff": a single one-shot
// retry timer, never stacked.
func (n *Node) scheduleBackoff() {
	if n.retryArmed {
		return
	}
	if !n.retryLimiter.Allow() {
		return
	}
	n.retryArmed = true
	n.pool.loop.AfterFunc(connectThrowPeriod, func() {
		n.retryArmed = false
		n.warm()
	})
}

// dial issues one outbound connect attempt, delivering the result to done
// once the connection reaches ESTABLISHED or fails.
func (p *Pool) dial(n *Node, done func(*tcp.Connection, error)) {
	var c *tcp.Connection
	var resolved, connectedInline bool
	timer := p.loop.AfterFunc(connectTimeout, func() {
		resolved = true
		if c != nil {
			c.Abort()
		}
		done(nil, tcpip.ErrTimeout)
	})

	conn, err := p.host.Dial(n.Addr, tcp.Callbacks{
		OnConnect: func() {
			if resolved {
				return
			}
			resolved = true
			p.loop.Stop(timer)
			if c == nil {
				// The handshake completed inside host.Dial; done runs
				// once Dial has returned the connection.
				connectedInline = true
				return
			}
			done(c, nil)
		},
		OnDisconnect: func(dialErr error) {
			if resolved {
				return
			}
			resolved = true
			p.loop.Stop(timer)
			done(nil, dialErr)
		},
		OnError: func(dialErr error) {
			if resolved {
				return
			}
			resolved = true
			p.loop.Stop(timer)
			done(nil, dialErr)
		},
	})
	if err != nil {
		p.loop.Stop(timer)
		done(nil, err)
		return
	}
	c = conn
	if connectedInline {
		done(c, nil)
	}
}

// push returns a warm connection to the node's pool.
func (n *Node) push(c *tcp.Connection) {
	n.conns = append(n.conns, c)
}

// Acquire implements spec.md §4.6's `get_connection()`: pop the most
// recently pushed connection that is still usable, skipping (and
// discarding) any the backend has since closed.
func (n *Node) Acquire() *tcp.Connection {
	for len(n.conns) > 0 {
		last := len(n.conns) - 1
		c := n.conns[last]
		n.conns = n.conns[:last]
		if s := c.State(); s != tcp.StateClosed && s != tcp.StateCloseWait {
			return c
		}
	}
	return nil
}

// closePooled closes every connection still sitting unassigned in the
// node's pool, per the original_source/-supplemented behavior (SPEC_FULL
// §D "close inactive node's pooled connections").
func (n *Node) closePooled() {
	for _, c := range n.conns {
		c.Close()
	}
	n.conns = nil
}

// nextNode implements spec.md §4.7's `algo_iterator`: round-robin across
// nodes, returning the first one with an acquirable pooled connection.
func (p *Pool) nextNode() (*Node, *tcp.Connection) {
	if len(p.nodes) == 0 {
		return nil, nil
	}
	for i := 0; i < len(p.nodes); i++ {
		idx := (p.rrCursor + i) % len(p.nodes)
		n := p.nodes[idx]
		if !n.active {
			continue
		}
		if c := n.Acquire(); c != nil {
			p.rrCursor = (idx + 1) % len(p.nodes)
			metrics.ActiveNodes.Set(float64(p.ActiveCount()))
			return n, c
		}
	}
	return nil, nil
}
