// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package header provides the wire-format encoding and decoding of the
// network protocol headers used by the stack (TCP, IPv4) and the checksum
// routines defined by RFC 793 and RFC 791.
package header

import "encoding/binary"

const (
	// TCPMinimumSize is the minimum size of a valid TCP header (no options).
	TCPMinimumSize = 20

	// TCPMaximumHeaderSize is the maximum header size, options included.
	TCPMaximumHeaderSize = 60
)

// Flag bit positions, least significant bit first, as laid out in spec.md
// §6 ("Flags byte semantics").
const (
	FlagFin = 1 << iota
	FlagSyn
	FlagRst
	FlagPsh
	FlagAck
	FlagUrg
	FlagEce
	FlagCwr
)

// TCP option kinds (spec.md §6).
const (
	TCPOptionEOL       = 0
	TCPOptionNOP       = 1
	TCPOptionMSS       = 2
	TCPOptionWS        = 3
	TCPOptionTS        = 8
)

// TCPFields contains the fields of a TCP packet, used when building or
// inspecting a header in host byte order.
type TCPFields struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	DataOffset uint8
	Flags      uint8
	WindowSize uint16
	Checksum   uint16
	UrgentPtr  uint16
}

// TCP represents a TCP header stored in a byte array, exposing host-order
// accessors over the network-order wire bytes. It is the single seam where
// host/network byte order conversion happens (spec.md §9).
type TCP []byte

const (
	tcpSrcPort     = 0
	tcpDstPort     = 2
	tcpSeqNum      = 4
	tcpAckNum      = 8
	tcpDataOffset  = 12
	tcpFlags       = 13
	tcpWinSize     = 14
	tcpChecksum    = 16
	tcpUrgentPtr   = 18
)

// SourcePort returns the source port field.
func (b TCP) SourcePort() uint16 { return binary.BigEndian.Uint16(b[tcpSrcPort:]) }

// DestinationPort returns the destination port field.
func (b TCP) DestinationPort() uint16 { return binary.BigEndian.Uint16(b[tcpDstPort:]) }

// SequenceNumber returns the seq number field.
func (b TCP) SequenceNumber() uint32 { return binary.BigEndian.Uint32(b[tcpSeqNum:]) }

// AckNumber returns the ack number field.
func (b TCP) AckNumber() uint32 { return binary.BigEndian.Uint32(b[tcpAckNum:]) }

// DataOffset returns the data offset field, in bytes (already multiplied
// out of the 4-byte-word wire encoding).
func (b TCP) DataOffset() uint8 { return (b[tcpDataOffset] >> 4) * 4 }

// Flags returns the flags field.
func (b TCP) Flags() uint8 { return b[tcpFlags] }

// WindowSize returns the window size field.
func (b TCP) WindowSize() uint16 { return binary.BigEndian.Uint16(b[tcpWinSize:]) }

// Checksum returns the checksum field.
func (b TCP) Checksum() uint16 { return binary.BigEndian.Uint16(b[tcpChecksum:]) }

// UrgentPointer returns the urgent pointer field.
func (b TCP) UrgentPointer() uint16 { return binary.BigEndian.Uint16(b[tcpUrgentPtr:]) }

// Options returns the options portion of the header.
func (b TCP) Options() []byte { return b[TCPMinimumSize:b.DataOffset()] }

// Payload returns the data payload following the header and options.
func (b TCP) Payload() []byte { return b[b.DataOffset():] }

// SetChecksum sets the checksum field.
func (b TCP) SetChecksum(checksum uint16) { binary.BigEndian.PutUint16(b[tcpChecksum:], checksum) }

// SetDataOffset sets the data offset field given the header length in
// bytes (must be a multiple of 4).
func (b TCP) SetDataOffset(txOffset uint8) { b[tcpDataOffset] = (txOffset / 4) << 4 }

// CalculateChecksum calculates the checksum of the TCP segment, given the
// partial checksum of the pseudo-header (and, if applicable, the payload)
// and the length of the header+payload, which per RFC 793 §3.1 is folded
// into the pseudo-header sum as a 16-bit value.
func (b TCP) CalculateChecksum(partialChecksum uint16, totalLen uint16) uint16 {
	// Reset the checksum field before computing the checksum, per RFC 793.
	b.SetChecksum(0)
	sum := Checksum([]byte{byte(totalLen >> 8), byte(totalLen)}, partialChecksum)
	return Checksum(b[:b.DataOffset()], sum)
}

// Encode encodes all the fields of the TCP header.
func (b TCP) Encode(t *TCPFields) {
	binary.BigEndian.PutUint16(b[tcpSrcPort:], t.SrcPort)
	binary.BigEndian.PutUint16(b[tcpDstPort:], t.DstPort)
	binary.BigEndian.PutUint32(b[tcpSeqNum:], t.SeqNum)
	binary.BigEndian.PutUint32(b[tcpAckNum:], t.AckNum)
	b[tcpDataOffset] = (t.DataOffset / 4) << 4
	b[tcpFlags] = t.Flags
	binary.BigEndian.PutUint16(b[tcpWinSize:], t.WindowSize)
	binary.BigEndian.PutUint16(b[tcpChecksum:], t.Checksum)
	binary.BigEndian.PutUint16(b[tcpUrgentPtr:], t.UrgentPtr)
}

// Checksum calculates the checksum (as defined in RFC 1071) of the bytes in
// the given byte array, continuing from an initial sum value (e.g. the
// pseudo-header partial sum). Odd-length inputs are padded with a zero
// byte, as required by spec.md §6.
func Checksum(data []byte, initial uint16) uint16 {
	sum := uint32(initial)

	for len(data) >= 2 {
		sum += uint32(data[0])<<8 | uint32(data[1])
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return uint16(sum)
}

// PseudoHeaderChecksum calculates the pseudo-header checksum (saddr, daddr,
// zero, protocol) for the given source/destination IPv4 addresses, as
// described in RFC 793 section 3.1 and referenced by spec.md §6. The
// TCP-length field of the pseudo-header is folded in separately by
// TCP.CalculateChecksum, since it isn't known until the payload is sized.
func PseudoHeaderChecksum(protocol uint8, srcAddr, dstAddr [4]byte) uint16 {
	var sum uint32
	sum += uint32(srcAddr[0])<<8 | uint32(srcAddr[1])
	sum += uint32(srcAddr[2])<<8 | uint32(srcAddr[3])
	sum += uint32(dstAddr[0])<<8 | uint32(dstAddr[1])
	sum += uint32(dstAddr[2])<<8 | uint32(dstAddr[3])
	sum += uint32(protocol)

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return uint16(sum)
}
