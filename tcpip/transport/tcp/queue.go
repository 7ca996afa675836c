// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import "github.com/ustack/tcplb/tcpip/seqnum"

// writeQueue holds user bytes that have been written but not yet fully
// acknowledged, in the order spec.md §3 describes: an ordered sequence of
// chunks, exposing nxt_data()/nxt_rem() (here, pending/avail) and
// advance(n)/acknowledge(n). It generalizes the teacher's
// endpoint.snd.writeList (a segment.Queue of already-MSS-sized segments,
// see connect.go's handleWrite) into an explicit queue type so the
// retransmit path can re-slice un-acked bytes without re-deriving them from
// a live send list.
type writeQueue struct {
	chunks [][]byte
	sent   int // bytes in chunks[0] already included in [SND.UNA, SND.NXT)
	acked  int // bytes in chunks[0] already fully ACKed and logically gone
}

// Write appends a user chunk to the queue.
func (q *writeQueue) Write(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	q.chunks = append(q.chunks, cp)
}

// unsent returns the total number of bytes written but not yet sent
// (outside [SND.UNA, SND.NXT)).
func (q *writeQueue) unsent() int {
	total := q.total()
	return total - q.sent - q.acked
}

// total returns every byte still retained in the queue (acked bytes are
// physically retained until Acknowledge releases the chunk, but logically
// excluded by acked/total accounting below).
func (q *writeQueue) total() int {
	n := 0
	for _, c := range q.chunks {
		n += len(c)
	}
	return n
}

// NextToSend returns up to maxLen bytes starting at the current send
// pointer (SND.NXT: past every byte already acked or sent), without
// consuming them.
func (q *writeQueue) NextToSend(maxLen int) []byte {
	skip := q.sent + q.acked
	var out []byte
	for _, c := range q.chunks {
		if skip >= len(c) {
			skip -= len(c)
			continue
		}
		c = c[skip:]
		skip = 0
		if len(out)+len(c) > maxLen {
			c = c[:maxLen-len(out)]
		}
		out = append(out, c...)
		if len(out) >= maxLen {
			break
		}
	}
	return out
}

// Advance moves SND.NXT forward by n bytes: those bytes are now considered
// sent (in flight) but not yet acknowledged.
func (q *writeQueue) Advance(n int) {
	q.sent += n
}

// Acknowledge releases n newly-ACKed bytes: they move from "sent" to
// "gone", freeing the backing chunks once fully consumed.
func (q *writeQueue) Acknowledge(n int) {
	q.sent -= n
	q.acked += n
	for len(q.chunks) > 0 && q.acked >= len(q.chunks[0]) {
		q.acked -= len(q.chunks[0])
		q.chunks = q.chunks[1:]
	}
}

// Retransmittable returns the bytes currently in flight: [SND.UNA,
// SND.NXT), i.e. the bytes retained per spec.md §3's TCB invariant.
func (q *writeQueue) Retransmittable() []byte {
	var out []byte
	skip := q.acked
	remaining := q.sent
	for _, c := range q.chunks {
		if skip >= len(c) {
			skip -= len(c)
			continue
		}
		c = c[skip:]
		skip = 0
		if len(c) > remaining {
			c = c[:remaining]
		}
		out = append(out, c...)
		remaining -= len(c)
		if remaining <= 0 {
			break
		}
	}
	return out
}

// Empty reports whether the queue holds no data at all.
func (q *writeQueue) Empty() bool { return q.total() == 0 }

// UnackedLen returns the number of bytes currently in flight (sent but not
// yet acknowledged), i.e. SND.NXT-SND.UNA restricted to data bytes (not
// counting a SYN/FIN pseudo-byte).
func (q *writeQueue) UnackedLen() int { return q.sent }

// readRequest is a pending user read: a destination buffer and a completion
// callback invoked when the buffer fills or a PSH segment closes a run
// (spec.md §3 "Read request").
type readRequest struct {
	buf      []byte
	filled   int
	callback func(n int, psh bool)
}

// fill copies from data into the request's remaining capacity, returning
// how many bytes were consumed.
func (r *readRequest) fill(data []byte) int {
	n := copy(r.buf[r.filled:], data)
	r.filled += n
	return n
}

func (r *readRequest) full() bool { return r.filled == len(r.buf) }

// windowUpdateAllowed implements the RFC 793 window-update rule referenced
// by spec.md §4.3: update SND.WND/WL1/WL2 only if the segment advances the
// sequence space, or carries the same sequence but a newer ack.
func windowUpdateAllowed(wl1, wl2, segSeq, segAck seqnum.Value) bool {
	if wl1.LessThan(segSeq) {
		return true
	}
	return wl1 == segSeq && wl2.LessThanEq(segAck)
}
