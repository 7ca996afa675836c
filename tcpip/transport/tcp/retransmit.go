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

// armRTX starts the retransmit timer if it's idle and there is outstanding
// data or a SYN/FIN in flight (spec.md §4.2 "Start RTX"). It's also used to
// restart the timer after SND.UNA advances, matching the "Restart RTX when
// SND.UNA advances and there is still outstanding data" rule.
func (c *Connection) armRTX() {
	if c.sndUNA == c.sndNXT {
		c.loop.Stop(c.rtxTimer)
		return
	}
	if c.rtxTimer != nil && c.rtxTimer.Armed() {
		return
	}
	c.rtxTimer = c.loop.AfterFunc(c.rttm.RTO(), c.onRTXExpiry)
}

func (c *Connection) stopRTXIfIdle() {
	if c.sndUNA == c.sndNXT {
		c.loop.Stop(c.rtxTimer)
	}
}

// onRTXExpiry implements spec.md §4.2 "On expiry": retransmit the earliest
// unacknowledged segment, back off the RTO, and abort if the retry bound is
// exceeded.
func (c *Connection) onRTXExpiry() {
	if c.state == StateClosed {
		return
	}

	synPhase := c.state == StateSynSent || c.state == StateSynReceived
	rto, exhausted := c.rttm.BackOff(synPhase)
	if exhausted {
		metrics.Retransmits.WithLabelValues("exhausted").Inc()
		// failAndClose clears the callbacks, so take OnRTXTimeout first.
		onTimeout := c.cb.OnRTXTimeout
		c.failAndClose(tcpip.ErrRetransmitExhausted)
		if onTimeout != nil {
			onTimeout()
		}
		return
	}

	// First retransmission of a recovery episode collapses cwnd/ssthresh
	// (spec.md §4.2 "On first RTX in a recovery episode").
	if !c.cong.fastRecovery {
		c.cong.OnRTOExpiry(c.flightSize(), c.sndMSS)
	}

	c.retransmitUNA()
	metrics.Retransmits.WithLabelValues("rto").Inc()
	c.rtxTimer = c.loop.AfterFunc(rto, c.onRTXExpiry)
}

// retransmitUNA resends the segment starting at SND.UNA. Karn's algorithm
// is honored by cancelling any running RTT sample first, so an ACK that
// may answer the retransmission never feeds rttMeasurer.Sample (sampling
// happens in onNewDataAck in fsm.go).
func (c *Connection) retransmitUNA() {
	c.cancelRTTSample()

	switch c.state {
	case StateSynSent:
		c.sendSegment(header.FlagSyn, c.iss, 0, nil, c.synOptions())
		return
	case StateSynReceived:
		c.sendSegment(header.FlagSyn|header.FlagAck, c.iss, c.rcvNXT, nil, c.synOptions())
		return
	}

	data := c.wq.Retransmittable()
	flags := uint8(header.FlagAck)
	seq := c.sndUNA
	// If our FIN is the only thing outstanding, or trails the data, make
	// sure it's included: the FIN pseudo-byte occupies sequence number
	// finSeq and isn't part of the write-queue payload.
	if c.finSent && c.sndUNA.LessThanEq(c.finSeq) {
		maxData := uint32(c.finSeq.Size(c.sndUNA))
		if uint32(len(data)) > maxData {
			data = data[:maxData]
		}
		if c.sndUNA.Add(seqnum.Size(len(data))) == c.finSeq {
			flags |= header.FlagFin
		}
	}
	c.sendSegment(flags, seq, c.rcvNXT, data, nil)
}
