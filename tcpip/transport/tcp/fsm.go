// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import (
	"github.com/ustack/tcplb/internal/metrics"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/header"
	"github.com/ustack/tcplb/tcpip/seqnum"
)

// segmentArrived is the entry point from the host demultiplexer (spec.md
// §4.1 "segment_arrived(packet)"). It performs, in order, the seven steps
// spec.md §4.1 lists: sequence check, RST check, SYN check, ACK check, ACK
// processing, segment-text processing, FIN processing.
//
// This generalizes the teacher's split design (a handshake type handling
// SYN-SENT/SYN-RCVD, and endpoint.handleSegments handling the ESTABLISHED
// data path — see the original connect.go) into a single dispatch:
// CLOSED, LISTEN and SYN-SENT get their own handlers, and every other state
// shares the seven-step path below.
func (c *Connection) segmentArrived(s *segment) {
	switch c.state {
	case StateClosed:
		c.handleClosedSegment(s)
		return
	case StateListen:
		// A connection actually left in LISTEN never receives segments
		// directly; the Listener clones a new Connection into
		// SYN-RECEIVED before segmentArrived is ever called on it (spec.md
		// §4.5). Nothing to do here.
		return
	case StateSynSent:
		c.handleSynSentSegment(s)
		return
	}

	// Step 1: sequence check (spec.md §4.1 item 1).
	if !c.sequenceAcceptable(s) {
		if !s.flagIsSet(header.FlagRst) {
			c.sendSegment(header.FlagAck, c.sndNXT, c.rcvNXT, nil, nil)
		}
		return
	}

	// Step 2: RST check.
	if s.flagIsSet(header.FlagRst) {
		c.failAndClose(tcpip.ErrConnectionReset)
		return
	}

	// Step 3: SYN check — a SYN while already synchronized is a protocol
	// violation.
	if s.flagIsSet(header.FlagSyn) {
		c.sendSegment(header.FlagRst, c.sndNXT, 0, nil, nil)
		c.failAndClose(tcpip.ErrProtocolViolation)
		return
	}

	// Step 4: ACK check.
	if !s.flagIsSet(header.FlagAck) {
		return
	}

	if c.state == StateSynReceived {
		if c.sndUNA.LessThanEq(s.ackNumber) && s.ackNumber.LessThanEq(c.sndNXT) {
			c.state = StateEstablished
			c.sndWND = s.window
			c.sndWL1 = s.sequenceNumber
			c.sndWL2 = s.ackNumber
			c.rttm.ResetAttempts()
			c.loop.Stop(c.rtxTimer)
			c.sendData()
			if c.cb.OnConnect != nil {
				c.cb.OnConnect()
			}
		} else {
			c.sendRaw(header.FlagRst, s.ackNumber, 0, 0)
			return
		}
	} else {
		// Step 5: ACK processing.
		if !c.handleAck(s) {
			return
		}
	}

	// Step 6: segment-text processing.
	c.handleText(s)

	// Step 7: FIN processing.
	if s.flagIsSet(header.FlagFin) {
		c.handleFin(s)
	}

	c.scheduleAck()
}

// sequenceAcceptable implements spec.md §4.1 step 1's acceptability test.
func (c *Connection) sequenceAcceptable(s *segment) bool {
	segLen := s.logicalLen()
	if segLen == 0 {
		if c.rcvWND == 0 {
			return s.sequenceNumber == c.rcvNXT
		}
		return s.sequenceNumber.InWindow(c.rcvNXT, c.rcvWND)
	}
	if c.rcvWND == 0 {
		return false
	}
	last := s.sequenceNumber.Add(segLen - 1)
	return s.sequenceNumber.InWindow(c.rcvNXT, c.rcvWND) || last.InWindow(c.rcvNXT, c.rcvWND)
}

// handleClosedSegment replies to any segment addressed to a CLOSED
// connection (one not yet opened, or already torn down) with a RST, per
// RFC 793: an ACK-less segment is met with RST(seq=0, ack=SEG.SEQ+SEG.LEN);
// an ACKed segment is met with RST(seq=SEG.ACK).
func (c *Connection) handleClosedSegment(s *segment) {
	if s.flagIsSet(header.FlagRst) {
		return
	}
	if s.flagIsSet(header.FlagAck) {
		c.sendRaw(header.FlagRst, s.ackNumber, 0, 0)
		return
	}
	ack := s.sequenceNumber.Add(s.logicalLen())
	c.sendRaw(header.FlagRst|header.FlagAck, 0, ack, 0)
}

// handleSynSentSegment implements the teacher's handshake.synSentState
// (connect.go), generalized onto Connection's own fields instead of a
// separate handshake type, since SYN-SENT is just one more FSM state here.
func (c *Connection) handleSynSentSegment(s *segment) {
	if s.flagIsSet(header.FlagRst) {
		if s.flagIsSet(header.FlagAck) && s.ackNumber == c.iss+1 {
			c.failAndClose(tcpip.ErrConnectionRefused)
		}
		return
	}

	if s.flagIsSet(header.FlagAck) && s.ackNumber != c.iss+1 {
		c.sendRaw(header.FlagRst|header.FlagAck, s.ackNumber, s.sequenceNumber.Add(s.logicalLen()), 0)
		return
	}

	if !s.flagIsSet(header.FlagSyn) {
		return
	}

	opts, ok := parseOptions(s.options)
	if !ok {
		return
	}

	c.irs = s.sequenceNumber
	c.rcvNXT = s.sequenceNumber + 1
	c.sndMSS = minU32(c.sndMSS, uint32(optsOrDefaultMSS(opts)))
	c.sndWndShift = effectiveShift(opts, c.rcvWndShift)
	c.sndTSOK = opts.hasTS
	if opts.hasTS {
		c.tsRecent = opts.tsVal
	}
	c.cong = newCongestionState(c.sndMSS)

	if s.flagIsSet(header.FlagAck) {
		c.sndUNA = s.ackNumber
		c.sndWND = s.window
		c.sndWL1 = s.sequenceNumber
		c.sndWL2 = s.ackNumber
		c.state = StateEstablished
		c.loop.Stop(c.rtxTimer)
		c.rttm.ResetAttempts()
		c.sendSegment(header.FlagAck, c.sndNXT, c.rcvNXT, nil, nil)
		c.sendData()
		if c.cb.OnConnect != nil {
			c.cb.OnConnect()
		}
		return
	}

	// Simultaneous open: a bare SYN was received, no ACK. Ack it and
	// resend our own SYN, moving to SYN-RECEIVED.
	c.state = StateSynReceived
	c.sendSegment(header.FlagSyn|header.FlagAck, c.iss, c.rcvNXT, nil, c.synOptions())
}

func optsOrDefaultMSS(o parsedOptions) uint16 {
	if o.hasMSS {
		return o.mss
	}
	return 536
}

func effectiveShift(o parsedOptions, ourShift uint8) uint8 {
	if o.wndScale < 0 {
		return 0
	}
	return ourShift
}

// handleAck implements spec.md §4.3's ACK-processing step. It returns
// false if the segment should be dropped outright (ACKs something never
// sent).
func (c *Connection) handleAck(s *segment) bool {
	if c.sndNXT.LessThan(s.ackNumber) {
		// Acks something not yet sent.
		c.sendSegment(header.FlagAck, c.sndNXT, c.rcvNXT, nil, nil)
		return false
	}

	windowReopened := false
	if windowUpdateAllowed(c.sndWL1, c.sndWL2, s.sequenceNumber, s.ackNumber) {
		windowReopened = c.sndWND == 0 && s.window > 0
		c.sndWND = s.window
		c.sndWL1 = s.sequenceNumber
		c.sndWL2 = s.ackNumber
	}

	if c.sndUNA.LessThan(s.ackNumber) {
		c.onNewDataAck(s)
	} else if s.ackNumber == c.sndUNA {
		c.onPossibleDupAck(s)
	}

	if windowReopened {
		c.loop.Stop(c.probeTimer)
		c.sendData()
	}

	return true
}

func (c *Connection) onNewDataAck(s *segment) {
	bytesAcked := uint32(c.sndUNA.Size(s.ackNumber))
	dataAcked := bytesAcked
	if unacked := uint32(c.wq.UnackedLen()); dataAcked > unacked {
		dataAcked = unacked
	}

	flight := c.flightSize()
	finAcked := c.finSent && c.finSeq.Add(1).LessThanEq(s.ackNumber) && c.sndUNA.LessThanEq(c.finSeq)

	if c.rttMeasuring && c.rttSeq.LessThanEq(s.ackNumber) {
		c.rttm.Sample(c.loop.Now().Sub(c.rttSentAt))
		c.rttMeasuring = false
	}

	c.wq.Acknowledge(int(dataAcked))
	c.sndUNA = s.ackNumber
	c.stopRTXIfIdle()
	if c.sndUNA != c.sndNXT {
		c.armRTX()
	}

	partialAck := c.cong.fastRecovery && s.ackNumber.LessThanEq(c.cong.recover)
	c.cong.OnNewDataAck(ackEvent{
		ack:        s.ackNumber,
		sndUNA:     c.sndUNA,
		sndNXT:     c.sndNXT,
		bytesAcked: bytesAcked,
		flightSize: flight,
		smss:       c.sndMSS,
	})
	metrics.CwndBytes.Set(float64(c.cong.cwnd))

	if partialAck && c.sndUNA != c.sndNXT {
		c.retransmitUNA()
		metrics.Retransmits.WithLabelValues("partial_ack").Inc()
	}

	if finAcked {
		c.handleFinAcked()
	}

	c.sendData()
}

func (c *Connection) onPossibleDupAck(s *segment) {
	isDup := c.flightSize() > 0 && len(s.payload) == 0 && s.window == c.sndWND
	if !isDup {
		return
	}
	metrics.DupAcks.Inc()
	cwndGrew := c.cong.cwnd > c.sndMSS
	action := c.cong.OnDupAck(c.sndUNA, c.sndNXT, c.flightSize(), c.sndMSS, cwndGrew)
	metrics.CwndBytes.Set(float64(c.cong.cwnd))

	switch action {
	case actionRetransmitUNA:
		c.retransmitUNA()
		metrics.Retransmits.WithLabelValues("fast_retransmit").Inc()
		c.armRTX()
	case actionLimitedTransmit:
		c.sendOneNewSegment()
	}
}

// sendOneNewSegment sends exactly one new MSS-bounded segment from unsent
// write-queue data, bypassing the congestion window — the "limited
// transmit" action spec.md §4.3 calls for on the first two duplicate ACKs.
func (c *Connection) sendOneNewSegment() {
	chunk := c.wq.NextToSend(int(c.sndMSS))
	if len(chunk) == 0 {
		return
	}
	seq := c.sndNXT
	c.wq.Advance(len(chunk))
	c.sndNXT = c.sndNXT.Add(seqnum.Size(len(chunk)))
	c.armRTX()
	c.startRTTSample()
	c.sendSegment(header.FlagAck, seq, c.rcvNXT, chunk, nil)
}

// handleText implements spec.md §4.4's segment-text processing.
func (c *Connection) handleText(s *segment) {
	if len(s.payload) == 0 {
		return
	}
	if s.sequenceNumber != c.rcvNXT {
		// Out-of-order: dropped by this design (no reassembly queue). The
		// eventual ACK of RCV.NXT (sent by the caller via scheduleAck)
		// prompts the sender to retransmit.
		return
	}

	accepted := s.payload
	c.rcvNXT = c.rcvNXT.Add(seqnum.Size(len(accepted)))
	if seqnum.Size(len(accepted)) > c.rcvWND {
		c.rcvWND = 0
	} else {
		c.rcvWND -= seqnum.Size(len(accepted))
	}

	psh := s.flagIsSet(header.FlagPsh)
	c.deliverData(accepted, psh)

	// The application's callback drains data synchronously in this
	// single-threaded design (spec.md §5), so the window can be restored
	// once delivery returns rather than waiting on an explicit consume
	// call.
	c.rcvWND = seqnum.Size(c.host.config.ReceiveWindow)
}

func (c *Connection) deliverData(data []byte, psh bool) {
	for len(data) > 0 && len(c.readQueue) > 0 {
		req := c.readQueue[0]
		n := req.fill(data)
		data = data[n:]
		if req.full() || (psh && len(data) == 0) {
			c.readQueue = c.readQueue[1:]
			req.callback(req.filled, psh && len(data) == 0)
		} else {
			break
		}
	}

	if len(data) == 0 {
		if psh && c.cb.OnData != nil {
			c.cb.OnData(nil, true)
		}
		return
	}

	if c.cb.OnData != nil {
		c.cb.OnData(data, psh)
		return
	}
	c.recvBuf = append(c.recvBuf, data...)
}

// handleFin implements spec.md §4.1 step 7 and the state-transition table's
// FIN-related rows.
func (c *Connection) handleFin(s *segment) {
	if c.finRcvd {
		return
	}
	c.finRcvd = true
	c.rcvNXT = c.rcvNXT.Add(1)

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
		if c.cb.OnDisconnect != nil {
			c.cb.OnDisconnect(nil)
		}
	case StateFinWait1:
		if s.ackNumber == c.sndNxtAfterFin() {
			c.state = StateTimeWait
			c.armTimeWait()
		} else {
			c.state = StateClosing
		}
	case StateFinWait2:
		c.state = StateTimeWait
		c.armTimeWait()
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		// Already seen a FIN, or past it; nothing further to do besides
		// the ACK scheduleAck() sends for us.
	}
}

// handleFinAcked implements the transition table rows keyed on "ACK of
// FIN": FIN-WAIT-1 -> FIN-WAIT-2, CLOSING -> TIME-WAIT, LAST-ACK -> CLOSED.
func (c *Connection) handleFinAcked() {
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
	case StateClosing:
		c.state = StateTimeWait
		c.armTimeWait()
	case StateLastAck:
		c.teardown(nil)
	}
}

// armTimeWait starts the 2*MSL timer; on expiry the connection frees
// itself (spec.md §4.1 transition table: "TIME-WAIT | 2·MSL elapsed |
// CLOSED | free"), first sending any ACK still held back by the
// delayed-ACK timer.
func (c *Connection) armTimeWait() {
	c.timeWaitTimer = c.loop.AfterFunc(2*c.host.config.MSL, func() {
		if c.state != StateTimeWait {
			return
		}
		if c.dackPending {
			c.sendAck()
		}
		c.teardown(nil)
	})
}
