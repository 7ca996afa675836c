// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import "github.com/ustack/tcplb/tcpip/seqnum"

// congestionState implements RFC 5681 Reno congestion control plus RFC 6582
// NewReno fast recovery, exactly as enumerated in spec.md §4.3. It has no
// direct analogue in the retrieved teacher slice (connect.go only reaches
// the handshake; the sender's congestion fields live in a sender.go the
// pack didn't retrieve), so this is grounded on spec.md's pseudocode
// directly, using the same field names the TCB section (spec.md §3) names:
// cwnd, ssthresh, recover.
type congestionState struct {
	cwnd         uint32
	ssthresh     uint32
	recover      seqnum.Value
	dupAcks      int
	fastRecovery bool
}

func newCongestionState(smss uint32) *congestionState {
	return &congestionState{
		cwnd:     smss,
		ssthresh: 1 << 30,
	}
}

// enterRecoveryThresh applies the shared "set ssthresh" step used both by
// fast retransmit (3 dup ACKs) and by RTO expiry (spec.md §4.2/§4.3); each
// caller sets cwnd itself.
func (c *congestionState) enterRecoveryThresh(flightSize, smss uint32) {
	half := flightSize / 2
	floor := 2 * smss
	if half > floor {
		c.ssthresh = half
	} else {
		c.ssthresh = floor
	}
}

// OnRTOExpiry applies the RTO-triggered collapse: ssthresh per the flight
// size at the time of the loss, cwnd reset to one segment, recovery state
// cleared (spec.md §4.2 "On first RTX in a recovery episode").
func (c *congestionState) OnRTOExpiry(flightSize, smss uint32) {
	c.enterRecoveryThresh(flightSize, smss)
	c.cwnd = smss
	c.dupAcks = 0
	c.fastRecovery = false
}

// ackEvent describes an incoming ACK as the congestion controller needs to
// see it.
type ackEvent struct {
	ack         seqnum.Value
	sndUNA      seqnum.Value
	sndNXT      seqnum.Value
	bytesAcked  uint32
	flightSize  uint32
	smss        uint32
	isDup       bool // same ack as current SND.UNA, no data, same window
	windowSame  bool
}

// retransmitAction tells the caller what the congestion controller wants
// sent as a result of processing an ACK.
type retransmitAction int

const (
	actionNone retransmitAction = iota
	actionRetransmitUNA   // retransmit the segment starting at SND.UNA
	actionLimitedTransmit // send one additional new segment, if the window allows
)

// OnNewDataAck processes ack > SND.UNA (spec.md §4.3 "On a new-data ACK").
func (c *congestionState) OnNewDataAck(e ackEvent) {
	if !c.fastRecovery {
		c.dupAcks = 0
		c.recover = e.sndNXT
		if c.cwnd < c.ssthresh {
			inc := e.bytesAcked
			if inc > e.smss {
				inc = e.smss
			}
			c.cwnd += inc
		} else {
			inc := e.smss * e.smss / max32(c.cwnd, 1)
			if inc < 1 {
				inc = 1
			}
			c.cwnd += inc
		}
		return
	}

	// In fast recovery.
	if e.ack.LessThanEq(c.recover) {
		// Partial ACK (NewReno, RFC 6582): deflate and stay in recovery;
		// the connection retransmits SND.UNA (onNewDataAck in fsm.go).
		deflate := e.bytesAcked + e.smss
		if deflate > c.cwnd {
			c.cwnd = 0
		} else {
			c.cwnd -= deflate
		}
		return
	}

	// Full ACK: exit recovery.
	newCwnd := e.flightSize
	if newCwnd < e.smss {
		newCwnd = e.smss
	}
	newCwnd += e.smss
	if newCwnd > c.ssthresh {
		newCwnd = c.ssthresh
	}
	c.cwnd = newCwnd
	c.fastRecovery = false
	c.dupAcks = 0
}

// OnDupAck processes a duplicate ACK (spec.md §4.3 "On duplicate ACK").
// flightSize/smss describe the connection's state at the time of the dup
// ACK; sndNXT is SND.NXT at the time of entry, recorded into recover so the
// NewReno partial-ACK test (RFC 6582) has the right high-water mark to
// compare against; cwndGrew reports whether cwnd has grown past one SMSS
// since the start of the current (non-recovery) episode, used for the "or
// cwnd grew" fast-retransmit trigger.
func (c *congestionState) OnDupAck(sndUNA, sndNXT seqnum.Value, flightSize, smss uint32, cwndGrew bool) retransmitAction {
	c.dupAcks++

	switch {
	case c.dupAcks == 1 || c.dupAcks == 2:
		return actionLimitedTransmit

	case c.dupAcks == 3:
		lastUnacked := seqnum.Value(uint32(sndUNA) - 1)
		if c.recover.LessThan(lastUnacked) || cwndGrew {
			c.recover = sndNXT
			c.enterRecoveryThresh(flightSize, smss)
			c.cwnd = c.ssthresh + 3*smss
			c.fastRecovery = true
			return actionRetransmitUNA
		}
		return actionNone

	case c.dupAcks > 3 && c.fastRecovery:
		c.cwnd += smss
		return actionLimitedTransmit
	}

	return actionNone
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
