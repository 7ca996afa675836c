package balancer

import (
	"testing"
	"time"

	"github.com/ustack/tcplb/netloop"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/transport/tcp"
)

// sessionTestTopology wires four hosts through a router: a client-facing
// host running the Engine's accept callback, an upstream-facing host the
// Pool dials out from, a backend host accepting those pooled connections,
// and a remote client host standing in for a real TCP peer out on the
// network. This mirrors cmd/tcplb/main.go's two-Host split between the
// client-facing and backend-facing sides of the balancer.
type sessionTestTopology struct {
	loop   *netloop.Loop
	clock  *fakeClock
	router *router

	public   *tcp.Host
	upstream *tcp.Host
	backend  *tcp.Host
	remote   *tcp.Host
}

func newSessionTestTopology() *sessionTestTopology {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	loop := netloop.NewWithClock(clock)
	r := newRouter()

	publicAddr := tcpip.Address{10, 0, 0, 1}
	upstreamAddr := tcpip.Address{10, 0, 0, 2}
	backendAddr := tcpip.Address{10, 0, 0, 3}
	remoteAddr := tcpip.Address{10, 0, 0, 4}

	top := &sessionTestTopology{loop: loop, clock: clock, router: r}
	top.public = tcp.NewHost(loop, publicAddr, r.output, tcp.HostConfig{})
	top.upstream = tcp.NewHost(loop, upstreamAddr, r.output, tcp.HostConfig{})
	top.backend = tcp.NewHost(loop, backendAddr, r.output, tcp.HostConfig{})
	top.remote = tcp.NewHost(loop, remoteAddr, r.output, tcp.HostConfig{})

	r.register(publicAddr, top.public)
	r.register(upstreamAddr, top.upstream)
	r.register(backendAddr, top.backend)
	r.register(remoteAddr, top.remote)
	return top
}

func (top *sessionTestTopology) backendAddr() tcpip.Address { return tcpip.Address{10, 0, 0, 3} }
func (top *sessionTestTopology) publicAddr() tcpip.Address  { return tcpip.Address{10, 0, 0, 1} }

// warmPool brings up a single-node pool against the backend host, advancing
// the fake clock through the node's first active check so its warmed
// connections are ready by the time the test needs them.
func (top *sessionTestTopology) warmPool(t *testing.T, backendPort uint16, target int) *Pool {
	t.Helper()
	pool := NewPool(top.upstream, top.loop, []tcpip.FullAddress{
		{Addr: top.backendAddr(), Port: backendPort},
	}, target)
	top.clock.Advance(activeCheckPeriod + time.Millisecond)
	top.loop.RunReady()
	return pool
}

func TestOnAcceptPairsImmediatelyWhenUpstreamAvailable(t *testing.T) {
	top := newSessionTestTopology()

	var backendReceived []byte
	top.backend.Listen(9000, func(c *tcp.Connection) {
		c.SetCallbacks(tcp.Callbacks{
			OnData: func(data []byte, psh bool) { backendReceived = append(backendReceived, data...) },
		})
	})
	pool := top.warmPool(t, 9000, 1)
	engine := NewEngine(pool, top.loop, 10, 10)

	var acceptedConn *tcp.Connection
	top.public.Listen(80, func(c *tcp.Connection) {
		acceptedConn = c
		engine.OnAccept(c)
	})

	var clientReceived []byte
	conn, err := top.remote.Dial(tcpip.FullAddress{Addr: top.publicAddr(), Port: 80}, tcp.Callbacks{
		OnData: func(data []byte, psh bool) { clientReceived = append(clientReceived, data...) },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if acceptedConn == nil {
		t.Fatalf("balancer never accepted the incoming connection")
	}
	if engine.OpenSessions() != 1 {
		t.Fatalf("OpenSessions() = %d, want 1 (upstream was warm, so pairing should be immediate)", engine.OpenSessions())
	}

	if err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(backendReceived) != "hello" {
		t.Fatalf("backend received %q, want %q", backendReceived, "hello")
	}
}

func TestBufferbloatGuardAbortsWaitingClient(t *testing.T) {
	top := newSessionTestTopology()

	// No backend is registered with the pool at all, so nextNode() always
	// returns nil and every accepted client sits in the wait queue.
	pool := NewPool(top.upstream, top.loop, nil, 1)
	engine := NewEngine(pool, top.loop, 10, 10)

	var acceptedConn *tcp.Connection
	top.public.Listen(81, func(c *tcp.Connection) {
		acceptedConn = c
		engine.OnAccept(c)
	})

	var remoteAborted bool
	conn, err := top.remote.Dial(tcpip.FullAddress{Addr: top.publicAddr(), Port: 81}, tcp.Callbacks{
		OnDisconnect: func(err error) { remoteAborted = true },
		OnError:      func(err error) { remoteAborted = true },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if len(engine.waitQ) != 1 {
		t.Fatalf("waitQ length = %d, want 1 (no upstream available yet)", len(engine.waitQ))
	}

	// A single Write only gets as far as the current congestion window
	// allows, so drive several write+ACK rounds (slow start growing cwnd
	// each time) until the cumulative bytes the wait queue has buffered
	// cross the guard's threshold.
	chunk := make([]byte, maxReadQPerNode)
	for i := range chunk {
		chunk[i] = 'x'
	}
	for i := 0; i < 6 && acceptedConn.State() != tcp.StateClosed; i++ {
		if err := conn.Write(chunk); err != nil {
			break
		}
		top.clock.Advance(210 * time.Millisecond) // past the default 200ms delayed-ACK timeout
		top.loop.RunReady()
	}

	if acceptedConn.State() != tcp.StateClosed {
		t.Fatalf("accepted connection state = %v, want CLOSED after the bufferbloat guard tripped", acceptedConn.State())
	}
	if len(engine.waitQ) != 0 {
		t.Fatalf("waitQ should be empty once the offending client is removed, got %d", len(engine.waitQ))
	}
	if !remoteAborted {
		t.Fatalf("remote side never observed the abort (RST)")
	}
}

func TestSessionIdleTimeoutClosesWithAndWithoutTraffic(t *testing.T) {
	top := newSessionTestTopology()

	top.backend.Listen(9000, func(c *tcp.Connection) {})
	pool := top.warmPool(t, 9000, 2)
	engine := NewEngine(pool, top.loop, 10, 10)

	top.public.Listen(82, func(c *tcp.Connection) {
		engine.OnAccept(c)
	})

	// Session 1: never sends anything, so the initial (pre-data) timeout
	// should close it.
	var silentClosed bool
	_, err := top.remote.Dial(tcpip.FullAddress{Addr: top.publicAddr(), Port: 82}, tcp.Callbacks{
		OnDisconnect: func(err error) { silentClosed = true },
		OnClose:      func() { silentClosed = true },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if engine.OpenSessions() != 1 {
		t.Fatalf("OpenSessions() = %d, want 1", engine.OpenSessions())
	}

	top.clock.Advance(initialSessionTimeout + time.Millisecond)
	top.loop.RunReady()
	if !silentClosed {
		t.Fatalf("session with no traffic never closed after the initial idle timeout")
	}
	if engine.OpenSessions() != 0 {
		t.Fatalf("OpenSessions() = %d, want 0 after the idle session closed", engine.OpenSessions())
	}

	// Session 2: sends data right before the initial timeout would fire,
	// which should replace it with the longer rolling timeout.
	var chattyClosed bool
	chattyConn, err := top.remote.Dial(tcpip.FullAddress{Addr: top.publicAddr(), Port: 82}, tcp.Callbacks{
		OnDisconnect: func(err error) { chattyClosed = true },
		OnClose:      func() { chattyClosed = true },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	top.clock.Advance(initialSessionTimeout - time.Second)
	if err := chattyConn.Write([]byte("still here")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	top.loop.RunReady()

	top.clock.Advance(time.Second + time.Millisecond) // past the original initial deadline
	top.loop.RunReady()
	if chattyClosed {
		t.Fatalf("session closed even though it had talked before the initial deadline")
	}

	top.clock.Advance(rollingSessionTimeout + time.Millisecond)
	top.loop.RunReady()
	if !chattyClosed {
		t.Fatalf("session never closed after the rolling idle timeout elapsed with no further traffic")
	}
}

func TestWaitQueueDrainsWhenPoolSignalsNewConnection(t *testing.T) {
	top := newSessionTestTopology()

	top.backend.Listen(9000, func(c *tcp.Connection) {})
	// target=1 but the node starts inactive, so the client must wait until
	// the first active check brings up a warmed connection.
	pool := NewPool(top.upstream, top.loop, []tcpip.FullAddress{
		{Addr: top.backendAddr(), Port: 9000},
	}, 1)
	engine := NewEngine(pool, top.loop, 10, 10)

	top.public.Listen(83, func(c *tcp.Connection) { engine.OnAccept(c) })

	_, err := top.remote.Dial(tcpip.FullAddress{Addr: top.publicAddr(), Port: 83}, tcp.Callbacks{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if len(engine.waitQ) != 1 {
		t.Fatalf("waitQ length = %d, want 1 before any backend is warm", len(engine.waitQ))
	}

	top.clock.Advance(activeCheckPeriod + time.Millisecond)
	top.loop.RunReady()

	if len(engine.waitQ) != 0 {
		t.Fatalf("waitQ should have drained once the pool signaled a warm connection, got %d", len(engine.waitQ))
	}
	if engine.OpenSessions() != 1 {
		t.Fatalf("OpenSessions() = %d, want 1 after the wait queue drained", engine.OpenSessions())
	}
}
