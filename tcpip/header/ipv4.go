// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package header

import "encoding/binary"

const (
	// IPv4MinimumSize is the minimum size of a valid IPv4 header (no
	// options).
	IPv4MinimumSize = 20

	// IPv4ProtocolTCP is the protocol number assigned to TCP in the IPv4
	// header's protocol field.
	IPv4ProtocolTCP = 6
)

const (
	ipv4IHLVersion  = 0
	ipv4TotalLength = 2
	ipv4Protocol    = 9
	ipv4Checksum    = 10
	ipv4SrcAddr     = 12
	ipv4DstAddr     = 16
)

// IPv4 represents an IPv4 header stored in a byte array.
type IPv4 []byte

// HeaderLength returns the length of the IPv4 header, in bytes.
func (b IPv4) HeaderLength() uint8 { return (b[ipv4IHLVersion] & 0x0f) * 4 }

// TotalLength returns the "total length" field.
func (b IPv4) TotalLength() uint16 { return binary.BigEndian.Uint16(b[ipv4TotalLength:]) }

// Protocol returns the "protocol" field.
func (b IPv4) Protocol() uint8 { return b[ipv4Protocol] }

// SourceAddress returns the "source address" field.
func (b IPv4) SourceAddress() [4]byte {
	var a [4]byte
	copy(a[:], b[ipv4SrcAddr:ipv4SrcAddr+4])
	return a
}

// DestinationAddress returns the "destination address" field.
func (b IPv4) DestinationAddress() [4]byte {
	var a [4]byte
	copy(a[:], b[ipv4DstAddr:ipv4DstAddr+4])
	return a
}

// Payload returns the payload following the (possibly option-bearing)
// header.
func (b IPv4) Payload() []byte { return b[b.HeaderLength():b.TotalLength()] }

// Valid reports whether b looks like a well-formed IPv4 header: long enough
// to hold the declared header length, and the declared header length no
// longer than the declared total length.
func (b IPv4) Valid() bool {
	if len(b) < IPv4MinimumSize {
		return false
	}
	hlen := int(b.HeaderLength())
	if hlen < IPv4MinimumSize || hlen > len(b) {
		return false
	}
	return int(b.TotalLength()) >= hlen && int(b.TotalLength()) <= len(b)
}
