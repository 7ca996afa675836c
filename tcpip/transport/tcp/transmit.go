// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import (
	"time"

	"github.com/ustack/tcplb/internal/metrics"
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/header"
	"github.com/ustack/tcplb/tcpip/seqnum"
)

// buildPacket assembles an IPv4+TCP wire packet, computing the checksum the
// way the teacher's sendTCPWithOptions does (pseudo-header partial sum,
// folded with the TCP length, folded with the header+payload bytes): see
// the original tcpip/transport/tcp/connect.go.
func buildPacket(local, remote tcpip.FullAddress, seq, ack seqnum.Value, flags uint8, window uint16, opts, payload []byte) []byte {
	headerLen := header.TCPMinimumSize + len(opts)
	totalLen := header.IPv4MinimumSize + headerLen + len(payload)

	buf := make([]byte, totalLen)

	ip := header.IPv4(buf)
	ip[0] = 0x45 // version 4, IHL 5 (no IP options)
	ip[9] = header.IPv4ProtocolTCP
	putBe16(buf[2:], uint16(totalLen))
	copy(buf[12:16], local.Addr[:])
	copy(buf[16:20], remote.Addr[:])

	tcpBuf := header.TCP(buf[header.IPv4MinimumSize:])
	tcpBuf.Encode(&header.TCPFields{
		SrcPort:    local.Port,
		DstPort:    remote.Port,
		SeqNum:     uint32(seq),
		AckNum:     uint32(ack),
		DataOffset: uint8(headerLen),
		Flags:      flags,
		WindowSize: window,
	})
	copy(tcpBuf[header.TCPMinimumSize:], opts)
	copy(tcpBuf[headerLen:], payload)

	partial := header.PseudoHeaderChecksum(header.IPv4ProtocolTCP, local.Addr, remote.Addr)
	if len(payload) > 0 {
		partial = header.Checksum(payload, partial)
	}
	sum := tcpBuf.CalculateChecksum(partial, uint16(headerLen+len(payload)))
	tcpBuf.SetChecksum(^sum)

	return buf
}

func putBe16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// clampWindow returns the window value, scaled down and clamped to 16 bits
// for the wire, as spec.md §3 describes (window field is a 16-bit value;
// scaling is applied out of band per RFC 1323).
func clampWindow(w seqnum.Size, shift uint8) uint16 {
	v := uint32(w) >> shift
	if v > 0xffff {
		v = 0xffff
	}
	return uint16(v)
}

// sendSegment emits one outgoing segment built from the connection's
// current addressing, applying the receive-window shift to the advertised
// window. opts, if non-nil, are sent verbatim (used for SYN segments);
// otherwise timestamps are attached automatically when negotiated.
func (c *Connection) sendSegment(flags uint8, seq, ack seqnum.Value, payload, opts []byte) {
	if opts == nil && c.sndTSOK {
		opts = encodeOptions(optionsToSend{wndScale: -1, sendTS: true, tsVal: c.host.nextTSVal(), tsEcr: c.tsRecent})
	}
	win := clampWindow(c.rcvWND, c.rcvWndShift)
	buf := buildPacket(c.ID.Local, c.ID.Remote, seq, ack, flags, win, opts, payload)
	c.maxSentAck = ack
	c.host.output(buf)
	metrics.SegmentsSent.Inc()
}

// sendRaw sends a bare segment not associated with any queued data, mostly
// used for ACK-only and RST replies, mirroring the teacher's endpoint.sendRaw.
func (c *Connection) sendRaw(flags uint8, seq, ack seqnum.Value, window seqnum.Size) {
	buf := buildPacket(c.ID.Local, c.ID.Remote, seq, ack, flags, clampWindow(window, 0), nil, nil)
	c.host.output(buf)
	metrics.SegmentsSent.Inc()
}

// sendAck emits a bare ACK reflecting the current RCV.NXT, and disarms any
// pending delayed-ACK timer.
func (c *Connection) sendAck() {
	c.loop.Stop(c.dackTimer)
	c.dackPending = false
	c.sendSegment(header.FlagAck, c.sndNXT, c.rcvNXT, nil, nil)
}

// scheduleAck implements spec.md §4.4's delayed-ACK rule: coalesce with the
// next outgoing segment, or fire after DACKTimeout if nothing else goes
// out first.
func (c *Connection) scheduleAck() {
	if c.host.config.DACKTimeout <= 0 {
		c.sendAck()
		return
	}
	if c.dackPending {
		return
	}
	c.dackPending = true
	c.dackTimer = c.loop.AfterFunc(c.host.config.DACKTimeout, func() {
		if c.state == StateClosed || !c.dackPending {
			return
		}
		c.sendAck()
	})
}

// flightSize returns SND.NXT - SND.UNA, the bytes sent but not yet ACKed
// (spec.md GLOSSARY).
func (c *Connection) flightSize() uint32 {
	return uint32(c.sndUNA.Size(c.sndNXT))
}

// persistInterval is the probe period used once the peer's advertised
// window has collapsed to zero (original_source/ "window-probe on zero
// window", see SPEC_FULL.md §D; grounded on RFC 1122 §4.2.2.17's persist
// timer, which spec.md's RTTM section is silent on).
const persistInterval = 5 * time.Second

// armProbe starts the zero-window persist timer if data remains queued and
// none is already armed.
func (c *Connection) armProbe() {
	if c.probeTimer != nil && c.probeTimer.Armed() {
		return
	}
	c.probeTimer = c.loop.AfterFunc(persistInterval, c.sendProbe)
}

// sendProbe emits a single byte outside the advertised window to provoke a
// fresh window update from the peer, then reschedules itself as long as the
// window is still collapsed and there is still data to send.
func (c *Connection) sendProbe() {
	if c.state == StateClosed || c.sndWND != 0 || c.wq.Empty() {
		return
	}
	probe := c.wq.NextToSend(1)
	c.sendSegment(header.FlagAck, c.sndUNA, c.rcvNXT, probe, nil)
	c.armProbe()
}

// sendData pushes as much of the write queue as the congestion/advertised
// window allows, segmenting into SND.MSS-sized chunks (spec.md §3 "Write
// queue").
func (c *Connection) sendData() {
	if c.sndWND == 0 && !c.wq.Empty() && c.state.writable() {
		c.armProbe()
	}

	for {
		flight := c.flightSize()
		allowedWnd := minU32(c.cong.cwnd, uint32(c.sndWND))
		if flight >= allowedWnd {
			break
		}
		avail := allowedWnd - flight
		maxSeg := minU32(avail, c.sndMSS)
		chunk := c.wq.NextToSend(int(maxSeg))
		if len(chunk) == 0 {
			break
		}

		// SND.NXT advances before the segment goes out, so an ACK that
		// arrives while sendSegment is still running is not taken for an
		// ACK of unsent data.
		flags := uint8(header.FlagAck)
		seq := c.sndNXT
		c.wq.Advance(len(chunk))
		c.sndNXT = c.sndNXT.Add(seqnum.Size(len(chunk)))
		c.armRTX()
		c.startRTTSample()
		c.sendSegment(flags, seq, c.rcvNXT, chunk, nil)

		if len(chunk) < int(maxSeg) {
			break
		}
	}

	if c.closeReq && c.wq.Empty() && !c.finSent {
		switch c.state {
		case StateFinWait1, StateLastAck:
			c.sendFIN()
		}
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
