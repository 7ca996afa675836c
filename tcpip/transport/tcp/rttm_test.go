package tcp

import (
	"testing"
	"time"
)

func TestFirstSampleSeedsSRTT(t *testing.T) {
	r := newRTTMeasurer()
	r.Sample(200 * time.Millisecond)
	if r.srtt != 200*time.Millisecond {
		t.Fatalf("srtt after first sample = %v, want 200ms", r.srtt)
	}
	if r.rttvar != 100*time.Millisecond {
		t.Fatalf("rttvar after first sample = %v, want half the sample (100ms)", r.rttvar)
	}
	// SRTT + 4*RTTVAR = 200ms + 400ms = 600ms, raised to the 1s minRTO floor.
	if r.RTO() != minRTO {
		t.Fatalf("RTO after first sample = %v, want %v", r.RTO(), minRTO)
	}
}

func TestRTOClampedToMinimum(t *testing.T) {
	r := newRTTMeasurer()
	r.Sample(1 * time.Millisecond)
	if r.RTO() != minRTO {
		t.Fatalf("RTO = %v, want the %v floor", r.RTO(), minRTO)
	}
}

func TestRTOClampedToMaximum(t *testing.T) {
	r := newRTTMeasurer()
	r.Sample(100 * time.Second)
	if r.RTO() != maxRTO {
		t.Fatalf("RTO = %v, want the %v ceiling", r.RTO(), maxRTO)
	}
}

func TestBackOffDoublesAndResetsOnSample(t *testing.T) {
	r := newRTTMeasurer()
	r.Sample(500 * time.Millisecond)
	base := r.RTO()

	rto, exhausted := r.BackOff(false)
	if exhausted {
		t.Fatalf("a single backoff should not exhaust the retry bound")
	}
	if rto != 2*base {
		t.Fatalf("RTO after one backoff = %v, want %v", rto, 2*base)
	}

	r.Sample(500 * time.Millisecond)
	if r.attempts != 0 {
		t.Fatalf("attempts should reset once a new sample lands, got %d", r.attempts)
	}
}

func TestBackOffExhaustsAfterMaxRetransmits(t *testing.T) {
	r := newRTTMeasurer()
	var exhausted bool
	for i := 0; i <= maxRetransmits; i++ {
		_, exhausted = r.BackOff(false)
		if exhausted {
			break
		}
	}
	if !exhausted {
		t.Fatalf("BackOff never reported exhaustion within %d attempts", maxRetransmits+1)
	}
}

func TestBackOffSynPhaseFloor(t *testing.T) {
	r := newRTTMeasurer() // starts at minRTO (1s), well below the 3s SYN floor
	rto, _ := r.BackOff(true)
	if rto != synRTOFloor {
		t.Fatalf("SYN-phase backoff = %v, want the %v floor", rto, synRTOFloor)
	}
}
