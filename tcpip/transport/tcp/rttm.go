// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tcp

import "time"

const (
	minRTO = 1 * time.Second
	maxRTO = 60 * time.Second

	// synRTOFloor is the RTO floor applied when backing off a SYN or
	// SYN-ACK retransmission (spec.md §4.2).
	synRTOFloor = 3 * time.Second

	// maxRetransmits is the fixed retry bound past which the connection is
	// aborted (spec.md §4.2).
	maxRetransmits = 15
)

// rttMeasurer implements Karn/Partridge RTT measurement and RFC 6298 RTO
// smoothing and back-off (spec.md §4.2). Named after, and grounded on, the
// teacher's resendTimer/resendWaker fields referenced from connect.go's
// protocolMainLoop, generalized here into a standalone, timer-agnostic
// component so the connection FSM can drive it explicitly.
type rttMeasurer struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	hasSRTT bool

	attempts int
}

func newRTTMeasurer() *rttMeasurer {
	return &rttMeasurer{rto: minRTO}
}

// Sample feeds a new RTT measurement (in seconds, as a duration) into the
// RFC 6298 smoothing equations.
func (r *rttMeasurer) Sample(m time.Duration) {
	if !r.hasSRTT {
		r.srtt = m
		r.rttvar = m / 2
		r.hasSRTT = true
	} else {
		const alphaDenom = 8
		const betaDenom = 4
		diff := r.srtt - m
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = r.rttvar - r.rttvar/betaDenom + diff/betaDenom
		r.srtt = r.srtt - r.srtt/alphaDenom + m/alphaDenom
	}
	r.rto = r.srtt + 4*r.rttvar
	r.clamp()
	r.attempts = 0
}

func (r *rttMeasurer) clamp() {
	if r.rto < minRTO {
		r.rto = minRTO
	}
	if r.rto > maxRTO {
		r.rto = maxRTO
	}
}

// RTO returns the current retransmission timeout.
func (r *rttMeasurer) RTO() time.Duration { return r.rto }

// BackOff doubles the RTO on an expiry ("exponential back-off", spec.md
// §4.2) and returns the new value along with whether the retry bound has
// been exceeded.
func (r *rttMeasurer) BackOff(synPhase bool) (rto time.Duration, exhausted bool) {
	r.attempts++
	r.rto *= 2
	if synPhase && r.rto < synRTOFloor {
		r.rto = synRTOFloor
	}
	r.clamp()
	return r.rto, r.attempts > maxRetransmits
}

// ResetAttempts clears the retry counter, e.g. when a new RTT sample lands
// or the connection leaves the SYN phase.
func (r *rttMeasurer) ResetAttempts() { r.attempts = 0 }
