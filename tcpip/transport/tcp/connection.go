// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import (
	"time"

	"github.com/rs/xid"

	"github.com/ustack/tcplb/internal/metrics"
	"github.com/ustack/tcplb/netloop"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/header"
	"github.com/ustack/tcplb/tcpip/seqnum"
)

// ConnKey is the 4-tuple demultiplexing key spec.md §3 defines: (local
// socket, remote socket).
type ConnKey struct {
	Local  tcpip.FullAddress
	Remote tcpip.FullAddress
}

// defaultDackTimeout is the delayed-ACK coalescing window used when
// HostConfig.DACKTimeout is left zero (spec.md §4.4).
const defaultDackTimeout = 200 * time.Millisecond

// TIME-WAIT persists for 2*MSL (spec.md GLOSSARY), where MSL is the host's
// configured HostConfig.MSL rather than a hardcoded constant. The teacher's
// connect.go uses a fixed 3-second close-timer as a stand-in for a full
// 2MSL wait.

// Callbacks groups the connection's observable side effects (spec.md
// §4.1 "Observable side effects per event"). Any may be nil.
type Callbacks struct {
	OnConnect    func()
	OnData       func(data []byte, psh bool)
	OnDisconnect func(err error)
	OnError      func(err error)
	OnClose      func()
	OnRTXTimeout func()
}

// Connection is a TCB plus its FSM state (spec.md §3/§4.1).
type Connection struct {
	ID     ConnKey
	Handle xid.ID

	host  *Host
	loop  *netloop.Loop
	state State
	cb    Callbacks

	active bool

	// Send side.
	sndUNA      seqnum.Value
	sndNXT      seqnum.Value
	sndWND      seqnum.Size
	sndWL1      seqnum.Value
	sndWL2      seqnum.Value
	sndMSS      uint32
	sndWndShift uint8
	sndTSOK     bool
	iss         seqnum.Value
	finSeq      seqnum.Value // sequence number assigned to our FIN, once sent
	finSent     bool

	// Receive side.
	rcvNXT      seqnum.Value
	rcvWND      seqnum.Size
	rcvWndShift uint8
	irs         seqnum.Value
	tsRecent    uint32
	finRcvd     bool

	cong *congestionState
	rttm *rttMeasurer

	wq        writeQueue
	closeReq  bool // write-side close requested, but queue not yet drained
	recvBuf   []byte
	readQueue []*readRequest

	rtxTimer      *netloop.Timer
	dackTimer     *netloop.Timer
	timeWaitTimer *netloop.Timer
	probeTimer    *netloop.Timer
	dackPending   bool
	maxSentAck    seqnum.Value

	// RTT sampling (the classic BSD t_rtseq scheme Karn's algorithm is
	// usually paired with): rttSeq marks the SND.NXT value at the moment
	// rttSentAt was recorded. A sample is taken the first time SND.UNA
	// advances past rttSeq without an intervening retransmission.
	rttMeasuring bool
	rttSeq       seqnum.Value
	rttSentAt    time.Time

	lastErr error
}

// newConnection creates a connection in CLOSED state, owned by host.
func newConnection(host *Host, id ConnKey) *Connection {
	return &Connection{
		ID:     id,
		Handle: xid.New(),
		host:   host,
		loop:   host.loop,
		state:  StateClosed,
	}
}

// Open moves the connection from CLOSED to SYN-SENT (active) or LISTEN
// (passive), per spec.md §4.1 "open(active: bool)".
func (c *Connection) Open(active bool) error {
	if c.state != StateClosed {
		return tcpip.ErrInvalidEndpointState
	}
	if !active {
		c.state = StateListen
		return nil
	}

	c.active = true
	c.iss = c.host.generateISS(c.ID)
	c.sndUNA = c.iss
	c.sndNXT = c.iss + 1
	c.rcvWND = seqnum.Size(c.host.config.ReceiveWindow)
	c.rcvWndShift = uint8(findWndScale(c.host.config.ReceiveWindow))
	c.sndMSS = uint32(c.host.config.MSS)
	c.cong = newCongestionState(c.sndMSS)
	c.rttm = newRTTMeasurer()
	c.state = StateSynSent

	c.sendSegment(header.FlagSyn, c.iss, 0, nil, c.synOptions())
	c.armRTX()
	c.startRTTSample()
	return nil
}

// State returns the connection's current FSM state.
func (c *Connection) State() State { return c.state }

// SetCallbacks installs cb, replacing any previous set. Used by callers
// (e.g. the balancer's accept handler) that only learn what they want to do
// with a connection after it has already been created by Dial or a
// Listener.
func (c *Connection) SetCallbacks(cb Callbacks) { c.cb = cb }

// SendWindowAvailable reports how many more bytes may be queued for send
// before exceeding this connection's congestion-bounded flight-size budget
// (spec.md §5 "transmit_queue_available" backpressure signal).
func (c *Connection) SendWindowAvailable() int {
	allowed := minU32(c.cong.cwnd, uint32(c.sndWND))
	flight := c.flightSize()
	if flight >= allowed {
		return 0
	}
	return int(allowed - flight)
}

// Write appends a user chunk to the write queue (spec.md §4.1
// "write(chunk)"). If the connection is writable, it requests a transmit
// opportunity immediately; otherwise the data is buffered until the
// connection becomes writable, or dropped if the connection is closing.
func (c *Connection) Write(b []byte) error {
	switch c.state {
	case StateClosed, StateClosing, StateLastAck, StateTimeWait, StateFinWait1, StateFinWait2:
		return tcpip.ErrClosedForSend
	}
	c.wq.Write(b)
	if c.state.writable() {
		c.sendData()
	}
	return nil
}

// Read registers a read request (spec.md §4.1 "read(buffer, callback)").
// Any data already buffered is delivered immediately.
func (c *Connection) Read(buf []byte, callback func(n int, psh bool)) {
	req := &readRequest{buf: buf, callback: callback}
	if len(c.recvBuf) > 0 {
		n := req.fill(c.recvBuf)
		c.recvBuf = c.recvBuf[n:]
		if req.full() {
			callback(req.filled, false)
			return
		}
	}
	c.readQueue = append(c.readQueue, req)
}

// Close performs a graceful close (spec.md §4.1 "close()"). Idempotent.
// The FIN follows any data still queued; sendData sends it once the write
// queue has drained.
func (c *Connection) Close() {
	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
		c.closeReq = true
		c.sendData()
	case StateCloseWait:
		c.state = StateLastAck
		c.closeReq = true
		c.sendData()
	case StateSynSent:
		c.teardown(nil)
	default:
		// Idempotent: already closing or closed, no effect.
	}
}

// Abort sends an RST and terminates the connection immediately (spec.md
// §4.1 "abort()").
func (c *Connection) Abort() {
	if c.state != StateClosed {
		c.sendSegment(header.FlagRst|header.FlagAck, c.sndNXT, c.rcvNXT, nil, nil)
	}
	c.failAndClose(tcpip.ErrConnectionAborted)
}

func (c *Connection) sendFIN() {
	c.finSeq = c.sndNXT
	c.finSent = true
	c.sndNXT++
	c.sendSegment(header.FlagFin|header.FlagAck, c.finSeq, c.rcvNXT, nil, nil)
	c.armRTX()
	c.startRTTSample()
}

// startRTTSample begins a new RTT measurement if one isn't already running,
// anchored at the current SND.NXT.
func (c *Connection) startRTTSample() {
	if c.rttMeasuring {
		return
	}
	c.rttMeasuring = true
	c.rttSeq = c.sndNXT
	c.rttSentAt = c.loop.Now()
}

// cancelRTTSample discards any in-flight RTT measurement; called whenever a
// retransmission occurs, per Karn's algorithm (RFC 6298 §3).
func (c *Connection) cancelRTTSample() {
	c.rttMeasuring = false
}

// sndNxtAfterFin is the value SND.NXT takes on once our FIN has been
// counted, used for the "our FIN is now acknowledged" check (spec.md §9
// open question: "Use SEG.ACK == SND.NXT with FIN already counted").
func (c *Connection) sndNxtAfterFin() seqnum.Value {
	if c.finSent {
		return c.finSeq + 1
	}
	return c.sndNXT
}

func (c *Connection) synOptions() []byte {
	ws := -1
	if c.host.config.OfferWindowScale {
		ws = int(c.rcvWndShift)
	}
	return encodeOptions(optionsToSend{
		mss:      uint16(c.sndMSS),
		wndScale: ws,
		sendTS:   c.host.config.OfferTimestamps,
		tsVal:    c.host.nextTSVal(),
	})
}

// teardown releases the connection from the host's connection table. Called
// on reaching CLOSED (normally or via abort/reset).
func (c *Connection) teardown(err error) {
	c.cancelTimers()
	c.state = StateClosed
	if c.cb.OnClose != nil {
		c.cb.OnClose()
	}
	c.cb = Callbacks{}
	c.host.forget(c.ID)
	metrics.OpenConnections.Dec()
	_ = err
}

func (c *Connection) failAndClose(err error) {
	c.lastErr = err
	cb := c.cb
	c.cancelTimers()
	c.state = StateClosed
	c.cb = Callbacks{}
	if cb.OnDisconnect != nil {
		cb.OnDisconnect(err)
	}
	if cb.OnError != nil {
		cb.OnError(err)
	}
	c.host.forget(c.ID)
	metrics.OpenConnections.Dec()
}

func (c *Connection) cancelTimers() {
	c.loop.Stop(c.rtxTimer)
	c.loop.Stop(c.dackTimer)
	c.loop.Stop(c.timeWaitTimer)
	c.loop.Stop(c.probeTimer)
}
