package balancer

import (
	"time"

	"github.com/rs/xid"

	"github.com/ustack/tcplb/internal/metrics"
	"github.com/ustack/tcplb/netloop"
	"github.com/ustack/tcplb/tcpip/transport/tcp"
)

const (
	// maxReadQPerNode is the bufferbloat guard cap on a client's
	// pre-assignment read queue (spec.md §4.7).
	maxReadQPerNode = 8 * 1024

	// initialSessionTimeout closes a session that never sees traffic.
	initialSessionTimeout = 5 * time.Second

	// rollingSessionTimeout is reset on every read once traffic has begun.
	rollingSessionTimeout = 60 * time.Second
)

// Session pairs one client connection with one upstream connection and
// forwards bytes bidirectionally between them (spec.md §4.7). Grounded on
// spec.md directly and on `lib/microLB/microlb/connection.cpp`'s Session
// type in original_source/, since the teacher slice has no load-balancer
// analogue.
type Session struct {
	ID       xid.ID
	client   *tcp.Connection
	upstream *tcp.Connection
	node     *Node

	idleTimer *netloop.Timer
	closed    bool

	index int // position in Engine.sessions, for O(1) free-list reuse
}

// Engine is the session table plus the wait queue and the logic that pairs
// clients with pooled upstream connections (spec.md §4.7).
type Engine struct {
	pool *Pool
	loop *netloop.Loop

	sessions []*Session
	freeList []int

	waitQ        []*waitingClient
	waitqLimit   int
	sessionLimit int
}

// NewEngine creates a session engine drawing upstream connections from
// pool, bounding the wait queue and live session count per the balancer
// configuration (spec.md §6 "clients.waitq_limit"/"clients.session_limit").
func NewEngine(pool *Pool, loop *netloop.Loop, waitqLimit, sessionLimit int) *Engine {
	e := &Engine{pool: pool, loop: loop, waitqLimit: waitqLimit, sessionLimit: sessionLimit}
	pool.OnChange(e.drainWaitQueue)
	return e
}

// OpenSessions returns the number of currently live sessions (spec.md §8
// "session conservation" property).
func (e *Engine) OpenSessions() int {
	return len(e.sessions) - len(e.freeList)
}

// OnAccept implements spec.md §4.7's client-accept path: attach the
// bufferbloat-guarded read handler, then try to pair immediately; on
// failure, enqueue in the wait queue and trigger warming.
func (e *Engine) OnAccept(client *tcp.Connection) {
	if e.sessionLimit > 0 && e.OpenSessions() >= e.sessionLimit {
		client.Abort()
		return
	}

	wc := &waitingClient{client: client}
	client.SetCallbacks(tcp.Callbacks{
		OnData: func(data []byte, psh bool) {
			wc.buf = append(wc.buf, data...)
			if len(wc.buf) >= maxReadQPerNode {
				metrics.BufferbloatAborts.Inc()
				e.removeFromWaitQ(wc)
				client.Abort()
			}
		},
		OnDisconnect: func(err error) { e.removeFromWaitQ(wc) },
		OnClose:      func() { e.removeFromWaitQ(wc) },
	})

	if e.tryAssign(wc) {
		return
	}

	if e.waitqLimit > 0 && len(e.waitQ) >= e.waitqLimit {
		client.Abort()
		return
	}
	e.waitQ = append(e.waitQ, wc)
	metrics.WaitQueueDepth.Set(float64(len(e.waitQ)))
	e.pool.Signal()
}

// tryAssign attempts to pair wc's client with a pooled upstream connection.
// On success it splices any buffered bytes to the upstream and installs
// bidirectional forwarding (spec.md §4.7 step 2).
func (e *Engine) tryAssign(wc *waitingClient) bool {
	node, upstream := e.pool.nextNode()
	if upstream == nil {
		return false
	}

	s := e.newSession(wc.client, upstream, node, true)

	if len(wc.buf) > 0 {
		upstream.Write(wc.buf)
	}
	e.installForwarding(s)
	return true
}

// newSession allocates a session slot, reusing a free-list entry when
// available (spec.md §4.7 "a free-list of session indices enables O(1)
// reuse"). freshTraffic selects the initial (pre-data) timeout versus the
// rolling timeout a rehydrated, already-chatty session restarts with
// (spec.md §4.8).
func (e *Engine) newSession(client, upstream *tcp.Connection, node *Node, freshTraffic bool) *Session {
	s := &Session{ID: xid.New(), client: client, upstream: upstream, node: node}
	if len(e.freeList) > 0 {
		idx := e.freeList[len(e.freeList)-1]
		e.freeList = e.freeList[:len(e.freeList)-1]
		s.index = idx
		e.sessions[idx] = s
	} else {
		s.index = len(e.sessions)
		e.sessions = append(e.sessions, s)
	}
	metrics.OpenSessions.Set(float64(e.OpenSessions()))
	if freshTraffic {
		e.armIdleTimer(s, initialSessionTimeout)
	} else {
		e.armIdleTimer(s, rollingSessionTimeout)
	}
	return s
}

// installForwarding wires client<->upstream bidirectional copy callbacks
// and the shared close/disconnect teardown (spec.md §4.7 step 2).
func (e *Engine) installForwarding(s *Session) {
	s.client.SetCallbacks(tcp.Callbacks{
		OnData: func(data []byte, psh bool) {
			e.armIdleTimer(s, rollingSessionTimeout)
			s.upstream.Write(data)
		},
		OnDisconnect: func(err error) { e.closeSession(s) },
		OnClose:      func() { e.closeSession(s) },
		OnError:      func(err error) { e.closeSession(s) },
	})
	s.upstream.SetCallbacks(tcp.Callbacks{
		OnData: func(data []byte, psh bool) {
			e.armIdleTimer(s, rollingSessionTimeout)
			s.client.Write(data)
		},
		OnDisconnect: func(err error) { e.closeSession(s) },
		OnClose:      func() { e.closeSession(s) },
		OnError:      func(err error) { e.closeSession(s) },
	})
}

// armIdleTimer cancels any pending idle timer and arms a fresh one d from
// now (spec.md §4.7: "reset on every read"), closing the session if it
// fires with no further traffic in between.
func (e *Engine) armIdleTimer(s *Session, d time.Duration) {
	e.loop.Stop(s.idleTimer)
	s.idleTimer = e.loop.AfterFunc(d, func() {
		if s.closed {
			return
		}
		e.closeSession(s)
	})
}

// closeSession releases both connections and the session slot exactly
// once, idempotent per spec.md §8.
func (e *Engine) closeSession(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	e.loop.Stop(s.idleTimer)
	s.client.Close()
	s.upstream.Close()
	e.freeList = append(e.freeList, s.index)
	e.sessions[s.index] = nil
	metrics.OpenSessions.Set(float64(e.OpenSessions()))
	metrics.ClosedSessions.Inc()
}

func (e *Engine) removeFromWaitQ(wc *waitingClient) {
	for i, w := range e.waitQ {
		if w == wc {
			e.waitQ = append(e.waitQ[:i], e.waitQ[i+1:]...)
			metrics.WaitQueueDepth.Set(float64(len(e.waitQ)))
			return
		}
	}
}

// drainWaitQueue implements spec.md §4.7's wait-queue draining: iterate
// front-to-back, assign whoever can be assigned, drop whoever disconnected
// while waiting.
func (e *Engine) drainWaitQueue() {
	var remaining []*waitingClient
	for _, wc := range e.waitQ {
		if wc.client.State() == tcp.StateClosed {
			continue
		}
		if e.tryAssign(wc) {
			continue
		}
		remaining = append(remaining, wc)
	}
	e.waitQ = remaining
	metrics.WaitQueueDepth.Set(float64(len(e.waitQ)))
}
