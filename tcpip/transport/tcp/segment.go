// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import (
	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/buffer"
	"github.com/ustack/tcplb/tcpip/header"
	"github.com/ustack/tcplb/tcpip/seqnum"
)

// segment is a parsed, in-memory representation of one incoming TCP
// segment, generalizing the teacher's connect.go "segment" type (which
// carried sequenceNumber/ackNumber/flags/window/options) to also expose the
// flags spec.md §3 asks for (PSH, a length helper, and typed views over
// options/payload).
type segment struct {
	id             ConnKey
	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	flags          uint8
	window         seqnum.Size
	options        []byte
	payload        buffer.View
}

func (s *segment) flagIsSet(f uint8) bool { return s.flags&f != 0 }

// logicalLen is the sequence-space length of the segment: payload bytes
// plus one for SYN and one for FIN (RFC 793 §3.3).
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.payload))
	if s.flagIsSet(header.FlagSyn) {
		l++
	}
	if s.flagIsSet(header.FlagFin) {
		l++
	}
	return l
}

// parseSegment decodes an incoming IPv4+TCP packet. It fails (ok=false)
// on a malformed packet: short buffer, bad options, or a checksum mismatch
// (spec.md §5/§7 PacketMalformed — dropped, no state change).
func parseSegment(buf []byte) (s *segment, ok bool) {
	ip := header.IPv4(buf)
	if !ip.Valid() || ip.Protocol() != header.IPv4ProtocolTCP {
		return nil, false
	}

	tcpBuf := header.TCP(ip.Payload())
	if len(tcpBuf) < header.TCPMinimumSize {
		return nil, false
	}
	dataOffset := tcpBuf.DataOffset()
	if int(dataOffset) < header.TCPMinimumSize || int(dataOffset) > len(tcpBuf) {
		return nil, false
	}

	opts, optsOK := parseOptions(tcpBuf.Options())
	if !optsOK {
		return nil, false
	}

	if !verifyChecksum(ip, tcpBuf) {
		return nil, false
	}

	s = &segment{
		id: ConnKey{
			Local:  tcpip.FullAddress{Addr: ip.DestinationAddress(), Port: tcpBuf.DestinationPort()},
			Remote: tcpip.FullAddress{Addr: ip.SourceAddress(), Port: tcpBuf.SourcePort()},
		},
		sequenceNumber: seqnum.Value(tcpBuf.SequenceNumber()),
		ackNumber:      seqnum.Value(tcpBuf.AckNumber()),
		flags:          tcpBuf.Flags(),
		window:         seqnum.Size(tcpBuf.WindowSize()),
		options:        tcpBuf.Options(),
		payload:        buffer.NewViewFromBytes(tcpBuf.Payload()),
	}
	_ = opts // parsed again by callers that need TS/MSS/WS specifically
	return s, true
}

func verifyChecksum(ip header.IPv4, tcp header.TCP) bool {
	totalLen := uint16(len(tcp))
	partial := header.PseudoHeaderChecksum(header.IPv4ProtocolTCP, ip.SourceAddress(), ip.DestinationAddress())
	sum := header.Checksum([]byte{byte(totalLen >> 8), byte(totalLen)}, partial)
	sum = header.Checksum(tcp, sum)
	return sum == 0xffff
}
