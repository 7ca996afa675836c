// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import "github.com/ustack/tcplb/tcpip/header"

// maxWndScale is maximum allowed window scaling, as described in RFC 1323,
// section 2.3, page 11, and spec.md §3/§6.
const maxWndScale = 14

// parsedOptions is the result of decoding a segment's TCP options field
// (spec.md §3 "TCP Options"). This generalizes the teacher's
// parseSynOptions (see the original tcpip/transport/tcp/connect.go) from
// "MSS + window scale only, SYN segments only" to every option kind
// spec.md's wire table lists, usable on any segment.
type parsedOptions struct {
	mss      uint16 // 0 if absent
	hasMSS   bool
	wndScale int // -1 if absent or peer doesn't support scaling
	hasTS    bool
	tsVal    uint32
	tsEcr    uint32
}

// parseOptions decodes opts, returning ok=false if the options are
// malformed (spec.md §6: "a zero or overlong length is a parse failure ->
// drop packet"). Unknown option kinds are skipped by length.
func parseOptions(opts []byte) (parsedOptions, bool) {
	var p parsedOptions
	p.wndScale = -1

	limit := len(opts)
	for i := 0; i < limit; {
		switch opts[i] {
		case header.TCPOptionEOL:
			i = limit

		case header.TCPOptionNOP:
			i++

		case header.TCPOptionMSS:
			if i+4 > limit || opts[i+1] != 4 {
				return parsedOptions{}, false
			}
			mss := uint16(opts[i+2])<<8 | uint16(opts[i+3])
			if mss == 0 {
				return parsedOptions{}, false
			}
			p.mss = mss
			p.hasMSS = true
			i += 4

		case header.TCPOptionWS:
			if i+3 > limit || opts[i+1] != 3 {
				return parsedOptions{}, false
			}
			ws := int(opts[i+2])
			if ws > maxWndScale {
				ws = maxWndScale
			}
			p.wndScale = ws
			i += 3

		case header.TCPOptionTS:
			if i+10 > limit || opts[i+1] != 10 {
				return parsedOptions{}, false
			}
			p.hasTS = true
			p.tsVal = be32(opts[i+2:])
			p.tsEcr = be32(opts[i+6:])
			i += 10

		default:
			if i+2 > limit {
				return parsedOptions{}, false
			}
			l := int(opts[i+1])
			if l < 2 || i+l > limit {
				return parsedOptions{}, false
			}
			i += l
		}
	}

	return p, true
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBe32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// encodeOptions builds the wire-format options for an outgoing segment.
// mss/wndScale are only ever populated for SYN segments (spec.md §6: "Sent
// on: SYN only"); tsVal/tsEcr are populated whenever timestamps have been
// negotiated for the connection.
type optionsToSend struct {
	mss        uint16 // 0 means omit
	wndScale   int    // negative means omit
	sendTS     bool
	tsVal      uint32
	tsEcr      uint32
}

func encodeOptions(o optionsToSend) []byte {
	var buf []byte

	if o.mss != 0 {
		buf = append(buf, header.TCPOptionMSS, 4, byte(o.mss>>8), byte(o.mss))
	}

	if o.sendTS {
		ts := make([]byte, 10)
		ts[0] = header.TCPOptionTS
		ts[1] = 10
		putBe32(ts[2:], o.tsVal)
		putBe32(ts[6:], o.tsEcr)
		buf = append(buf, ts...)
	}

	if o.wndScale >= 0 {
		buf = append(buf, header.TCPOptionWS, 3, uint8(o.wndScale), header.TCPOptionNOP)
	}

	// Options are padded to a multiple of 4 bytes with NOPs/EOL.
	for len(buf)%4 != 0 {
		buf = append(buf, header.TCPOptionNOP)
	}

	return buf
}

// findWndScale determines the window scale to use for the given maximum
// window size, as the teacher's connect.go does.
func findWndScale(wnd uint32) int {
	if wnd < 0x10000 {
		return 0
	}
	max := uint32(0xffff)
	s := 0
	for wnd > max && s < maxWndScale {
		s++
		max <<= 1
	}
	return s
}
