package tcp

import (
	"bytes"
	"testing"

	"github.com/ustack/tcplb/tcpip/seqnum"
)

func TestWriteQueueNextToSendAndAdvance(t *testing.T) {
	var q writeQueue
	q.Write([]byte("hello"))
	q.Write([]byte("world"))

	if q.Empty() {
		t.Fatalf("queue should not be empty after writes")
	}

	chunk := q.NextToSend(8)
	if string(chunk) != "hellowor" {
		t.Fatalf("NextToSend(8) = %q, want %q", chunk, "hellowor")
	}
	// NextToSend must not consume anything on its own.
	chunk2 := q.NextToSend(8)
	if !bytes.Equal(chunk, chunk2) {
		t.Fatalf("NextToSend is not idempotent: %q vs %q", chunk, chunk2)
	}

	q.Advance(len(chunk))
	rest := q.NextToSend(8)
	if string(rest) != "ld" {
		t.Fatalf("NextToSend after Advance = %q, want %q", rest, "ld")
	}
}

func TestWriteQueueAcknowledgeFreesChunks(t *testing.T) {
	var q writeQueue
	q.Write([]byte("abc"))
	q.Write([]byte("def"))
	q.Advance(6)

	q.Acknowledge(3)
	if q.UnackedLen() != 3 {
		t.Fatalf("UnackedLen after partial ack = %d, want 3", q.UnackedLen())
	}
	rest := q.Retransmittable()
	if string(rest) != "def" {
		t.Fatalf("Retransmittable after acking first chunk = %q, want %q", rest, "def")
	}

	q.Acknowledge(3)
	if !q.Empty() {
		t.Fatalf("queue should be empty once everything is acked")
	}
}

func TestWriteQueueRetransmittableIsInFlightOnly(t *testing.T) {
	var q writeQueue
	q.Write([]byte("0123456789"))
	q.Advance(5)

	if got := q.Retransmittable(); string(got) != "01234" {
		t.Fatalf("Retransmittable = %q, want %q", got, "01234")
	}
	if got := q.unsent(); got != 5 {
		t.Fatalf("unsent = %d, want 5", got)
	}
}

func TestWindowUpdateAllowed(t *testing.T) {
	wl1, wl2 := seqnum.Value(100), seqnum.Value(50)

	// A segment that advances the sequence number always updates the window.
	if !windowUpdateAllowed(wl1, wl2, 101, 40) {
		t.Fatalf("expected update allowed when SEG.SEQ advances past WL1")
	}

	// Same sequence number, newer or equal ack: allowed.
	if !windowUpdateAllowed(wl1, wl2, 100, 50) {
		t.Fatalf("expected update allowed when SEG.SEQ==WL1 and SEG.ACK==WL2")
	}
	if !windowUpdateAllowed(wl1, wl2, 100, 60) {
		t.Fatalf("expected update allowed when SEG.SEQ==WL1 and SEG.ACK>WL2")
	}

	// Same sequence number, older ack: rejected (stale segment).
	if windowUpdateAllowed(wl1, wl2, 100, 40) {
		t.Fatalf("expected update rejected for a stale ack at the same SEG.SEQ")
	}

	// Older sequence number: rejected outright.
	if windowUpdateAllowed(wl1, wl2, 99, 999) {
		t.Fatalf("expected update rejected when SEG.SEQ is behind WL1")
	}
}

func TestReadRequestFill(t *testing.T) {
	req := &readRequest{buf: make([]byte, 4)}
	n := req.fill([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("fill consumed %d bytes, want 4", n)
	}
	if !req.full() {
		t.Fatalf("request should report full once its buffer is filled")
	}
	if string(req.buf) != "abcd" {
		t.Fatalf("req.buf = %q, want %q", req.buf, "abcd")
	}
}
