// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/rs/xid"

	"github.com/ustack/tcplb/internal/metrics"
	"github.com/ustack/tcplb/netloop"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/seqnum"
)

// HostConfig collects the tunables spec.md §3 lists under "TCP Host
// configuration". Zero values are replaced with the teacher's defaults
// (findWndScale's 0xffff default window, connect.go's constant MSS) by
// NewHost.
type HostConfig struct {
	// ReceiveWindow is the advertised receive window, in bytes, offered by
	// every new connection this host opens or accepts.
	ReceiveWindow uint32
	// MSS is this host's advertised maximum segment size.
	MSS uint16
	// OfferWindowScale enables RFC 1323 window scaling on outgoing SYNs.
	OfferWindowScale bool
	// OfferTimestamps enables RFC 1323 timestamps on outgoing SYNs.
	OfferTimestamps bool
	// DACKTimeout is the delayed-ACK coalescing window. Zero selects the
	// 200ms default; a negative value disables delayed ACKs (every segment
	// gets an immediate ACK).
	DACKTimeout time.Duration
	// MSL is half the TIME-WAIT duration (spec.md GLOSSARY "MSL").
	MSL time.Duration
	// ListenBacklog bounds the number of connections a Listener keeps in
	// SYN-RECEIVED waiting for the final ACK of the handshake (spec.md §4.5,
	// supplemented per SPEC_FULL.md §D "half-open queue cap").
	ListenBacklog int
}

func (c *HostConfig) setDefaults() {
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = 65535
	}
	if c.MSS == 0 {
		c.MSS = 1460
	}
	if c.DACKTimeout == 0 {
		c.DACKTimeout = defaultDackTimeout
	}
	if c.MSL == 0 {
		c.MSL = 30 * time.Second
	}
	if c.ListenBacklog == 0 {
		c.ListenBacklog = 128
	}
}

// Output is the delegate a Host hands completed IPv4+TCP packets to; it
// stands in for the link/IP layer spec.md §1 names as a collaborator but
// excludes from this module's scope.
type Output func(packet []byte)

// Host is the top-level TCP stack object (spec.md §3 "TCP Host"): it owns
// every connection and listener on a single IPv4 address, demultiplexes
// incoming segments, and allocates ephemeral ports and initial sequence
// numbers. It generalizes the teacher's stack.Stack (referenced, not
// retrieved, by connect.go's *stack.Route/TransportEndpointID parameters)
// down to the single-address, single-protocol scope this module needs.
type Host struct {
	config HostConfig
	loop   *netloop.Loop
	addr   tcpip.Address
	output Output

	conns     map[ConnKey]*Connection
	listeners map[uint16]*Listener

	isnKey    [32]byte
	nextPort  uint16
	tsCounter uint32
}

// NewHost creates a Host bound to addr, driven by loop, emitting finished
// packets to output.
func NewHost(loop *netloop.Loop, addr tcpip.Address, output Output, config HostConfig) *Host {
	config.setDefaults()
	h := &Host{
		config:    config,
		loop:      loop,
		addr:      addr,
		output:    output,
		conns:     make(map[ConnKey]*Connection),
		listeners: make(map[uint16]*Listener),
		nextPort:  49152, // IANA ephemeral range start
	}
	copy(h.isnKey[:], []byte("tcplb-initial-sequence-number-key"))
	return h
}

// Listen registers a Listener on port, per spec.md §4.5.
func (h *Host) Listen(port uint16, accept func(*Connection)) (*Listener, error) {
	if _, exists := h.listeners[port]; exists {
		return nil, tcpip.ErrNoPortAvailable
	}
	l := newListener(h, port, accept)
	h.listeners[port] = l
	return l, nil
}

// Dial allocates an ephemeral local port and opens an active connection to
// remote (spec.md §4.1 "open(active: true)").
func (h *Host) Dial(remote tcpip.FullAddress, cb Callbacks) (*Connection, error) {
	port, ok := h.pickEphemeralPort(remote)
	if !ok {
		return nil, tcpip.ErrNoPortAvailable
	}
	id := ConnKey{Local: tcpip.FullAddress{Addr: h.addr, Port: port}, Remote: remote}
	c := newConnection(h, id)
	c.cb = cb
	h.conns[id] = c
	metrics.OpenConnections.Inc()
	if err := c.Open(true); err != nil {
		delete(h.conns, id)
		metrics.OpenConnections.Dec()
		return nil, err
	}
	return c, nil
}

func (h *Host) pickEphemeralPort(remote tcpip.FullAddress) (uint16, bool) {
	const maxTries = 1 << 16
	for i := 0; i < maxTries; i++ {
		port := h.nextPort
		h.nextPort++
		if h.nextPort == 0 {
			h.nextPort = 49152
		}
		id := ConnKey{Local: tcpip.FullAddress{Addr: h.addr, Port: port}, Remote: remote}
		if _, busy := h.conns[id]; !busy {
			return port, true
		}
	}
	return 0, false
}

// register adds a connection spawned by a Listener (one already past
// Open(false)) to the demultiplexing table.
func (h *Host) register(c *Connection) {
	h.conns[c.ID] = c
	metrics.OpenConnections.Inc()
}

func (h *Host) forget(id ConnKey) {
	delete(h.conns, id)
}

// ConnectionByHandle finds a live connection by its xid.ID handle, used by
// the balancer's live-update deserializer to rehydrate sessions (spec.md
// §4.8).
func (h *Host) ConnectionByHandle(handle xid.ID) (*Connection, bool) {
	for _, c := range h.conns {
		if c.Handle == handle {
			return c, true
		}
	}
	return nil, false
}

// Deliver is the host's demultiplexer entry point (spec.md §4.5
// "bottom(packet)"): decode, look up the owning connection or listener, and
// dispatch. Malformed packets are silently dropped, per spec.md §5's "no
// state change on PacketMalformed"; a packet with no matching connection or
// listener is answered with a RST (unless it is itself a RST).
func (h *Host) Deliver(packet []byte) {
	s, ok := parseSegment(packet)
	if !ok {
		return
	}

	if c, found := h.conns[s.id]; found {
		c.segmentArrived(s)
		return
	}

	if l, found := h.listeners[s.id.Local.Port]; found {
		l.segmentArrived(s)
		return
	}

	// No listener, no connection: reply RST unless this is itself a RST,
	// matching handleClosedSegment's logic for a CLOSED connection that
	// was never opened.
	tmp := newConnection(h, s.id)
	tmp.handleClosedSegment(s)
}

// generateISS derives an initial sequence number the way RFC 6528
// recommends: a keyed hash of the connection's 4-tuple plus a coarse clock,
// instead of the teacher's plain `rand.Uint32()` call in synSentState's
// caller (not present in the retrieved slice, but implied by
// handshake.resetState's generateSecureISN reference) — chosen so replayed
// segments from a previous incarnation of the same 4-tuple don't collide.
func (h *Host) generateISS(id ConnKey) seqnum.Value {
	mac := hmac.New(sha256.New, h.isnKey[:])
	var buf [12]byte
	copy(buf[0:4], id.Local.Addr[:])
	copy(buf[4:8], id.Remote.Addr[:])
	binary.BigEndian.PutUint16(buf[8:10], id.Local.Port)
	binary.BigEndian.PutUint16(buf[10:12], id.Remote.Port)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	hashed := binary.BigEndian.Uint32(sum[:4])

	// RFC 6528's "4 microsecond tick" clock term, coarsened to our loop's
	// granularity.
	tick := uint32(h.loop.Now().UnixNano() / int64(4*time.Microsecond))
	return seqnum.Value(hashed + tick)
}

// nextTSVal returns the next value for the RFC 1323 timestamp option,
// ticking once per call (not a wall-clock value) to avoid depending on the
// Loop's clock granularity matching the 1ms-10s window RFC 1323 specifies.
func (h *Host) nextTSVal() uint32 {
	h.tsCounter++
	return h.tsCounter
}
