// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import (
	"github.com/ustack/tcplb/tcpip/header"
	"github.com/ustack/tcplb/tcpip/seqnum"
)

// Listener answers inbound connection attempts on one local port (spec.md
// §4.5). It generalizes the teacher's handshake.synRcvdState (connect.go)
// from "state inside one endpoint already created by accept()" to "the
// object a whole port's worth of half-open connections share before any
// Connection is created for them" — the SPEC_FULL.md §D half-open-queue-cap
// feature the teacher's retrieved slice doesn't need, since the teacher
// creates its endpoint before the handshake even starts.
type Listener struct {
	host   *Host
	port   uint16
	accept func(*Connection)

	// halfOpen tracks SYN-RECEIVED connections not yet promoted to
	// established, keyed by remote socket, bounded by
	// HostConfig.ListenBacklog (SPEC_FULL.md §D).
	halfOpen map[ConnKeyRemote]*Connection
}

// ConnKeyRemote is the handshake-scoped half of ConnKey: a Listener only
// ever has one local socket, so the remote address alone disambiguates
// concurrent handshakes against it.
type ConnKeyRemote struct {
	Addr [4]byte
	Port uint16
}

func newListener(host *Host, port uint16, accept func(*Connection)) *Listener {
	return &Listener{
		host:     host,
		port:     port,
		accept:   accept,
		halfOpen: make(map[ConnKeyRemote]*Connection),
	}
}

// Close stops accepting new connections and resets every half-open
// handshake still pending.
func (l *Listener) Close() {
	for key, c := range l.halfOpen {
		c.sendRaw(header.FlagRst, c.sndNXT, 0, 0)
		delete(l.halfOpen, key)
	}
	delete(l.host.listeners, l.port)
}

func remoteKey(id ConnKey) ConnKeyRemote {
	return ConnKeyRemote{Addr: id.Remote.Addr, Port: id.Remote.Port}
}

// segmentArrived handles a segment addressed to this listener's port with
// no matching established Connection: either the SYN opening a new
// handshake, or a follow-up segment for a handshake already in halfOpen.
func (l *Listener) segmentArrived(s *segment) {
	rk := remoteKey(s.id)

	if c, inProgress := l.halfOpen[rk]; inProgress {
		c.segmentArrived(s)
		if c.state == StateEstablished {
			delete(l.halfOpen, rk)
			l.host.register(c)
			if l.accept != nil {
				l.accept(c)
			}
		} else if c.state == StateClosed {
			delete(l.halfOpen, rk)
		}
		return
	}

	if !s.flagIsSet(header.FlagSyn) || s.flagIsSet(header.FlagAck) {
		// Not a handshake-opening SYN and no existing handshake: reply per
		// the CLOSED-connection rule (RFC 793 page 36, "if the state is
		// LISTEN... and the incoming segment has no RST... an acceptable
		// reset... RST").
		tmp := newConnection(l.host, s.id)
		tmp.handleClosedSegment(s)
		return
	}

	if len(l.halfOpen) >= l.host.config.ListenBacklog {
		// Backlog full: silently drop the SYN, exactly as a real kernel's
		// accept queue would, so the peer's retransmitted SYN gets a
		// chance once room frees up.
		return
	}

	opts, ok := parseOptions(s.options)
	if !ok {
		return
	}

	c := newConnection(l.host, s.id)
	c.state = StateSynReceived
	c.active = false
	c.iss = l.host.generateISS(s.id)
	c.sndUNA = c.iss
	c.sndNXT = c.iss + 1
	c.rcvWND = seqnum.Size(l.host.config.ReceiveWindow)
	c.rcvWndShift = uint8(findWndScale(l.host.config.ReceiveWindow))
	c.sndMSS = minU32(uint32(l.host.config.MSS), uint32(optsOrDefaultMSS(opts)))
	c.sndWndShift = effectiveShift(opts, c.rcvWndShift)
	c.sndTSOK = opts.hasTS
	if opts.hasTS {
		c.tsRecent = opts.tsVal
	}
	c.irs = s.sequenceNumber
	c.rcvNXT = s.sequenceNumber + 1
	c.cong = newCongestionState(c.sndMSS)
	c.rttm = newRTTMeasurer()

	// Registered before the SYN-ACK goes out: on a synchronous link the
	// peer's final ACK can arrive before sendSegment returns.
	l.halfOpen[rk] = c

	c.sendSegment(header.FlagSyn|header.FlagAck, c.iss, c.rcvNXT, nil, c.synOptions())
	c.armRTX()
	c.startRTTSample()
}
