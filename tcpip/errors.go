// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tcpip provides the basic addressing and error types shared by the
// network stack and its transport protocols.
package tcpip

import "fmt"

// Error represents a stack-level error, distinct from a plain Go error so
// that callers can classify failures by kind (spec.md §7) without string
// matching.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// The error kinds named in spec.md §7. Each corresponds to a classification
// of error, not a single code path, mirroring the sentinel-error style the
// teacher package uses for connection-level failures.
var (
	ErrConnectionReset      = &Error{"connection reset by peer"}
	ErrConnectionRefused    = &Error{"connection refused"}
	ErrConnectionAborted    = &Error{"connection aborted"}
	ErrTimeout              = &Error{"operation timed out"}
	ErrAborted              = &Error{"operation aborted"}
	ErrInvalidEndpointState = &Error{"endpoint is in an invalid state for this operation"}
	ErrClosedForSend        = &Error{"endpoint is closed for send"}
	ErrClosedForReceive     = &Error{"endpoint is closed for receive"}
	ErrRetransmitExhausted  = &Error{"retransmit attempts exhausted"}
	ErrProtocolViolation    = &Error{"protocol violation"}
	ErrResourceExhausted    = &Error{"resource exhausted"}
	ErrBadPacket            = &Error{"malformed packet"}
	ErrWouldBlock           = &Error{"operation would block"}
	ErrAlreadyConnecting    = &Error{"operation already in progress"}
	ErrNoPortAvailable      = &Error{"no ephemeral port available"}
)

// Address is an IPv4 address in network byte order.
type Address [4]byte

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// FullAddress is a (network address, port) pair, i.e. the spec.md §3
// "Socket".
type FullAddress struct {
	Addr Address
	Port uint16
}

func (f FullAddress) String() string {
	return fmt.Sprintf("%s:%d", f.Addr, f.Port)
}
