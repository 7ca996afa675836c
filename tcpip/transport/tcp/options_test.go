package tcp

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/ustack/tcplb/tcpip/header"
)

func TestParseOptionsMSSAndWindowScale(t *testing.T) {
	raw := encodeOptions(optionsToSend{mss: 1460, wndScale: 7})
	got, ok := parseOptions(raw)
	if !ok {
		t.Fatalf("parseOptions failed on a well-formed buffer")
	}
	want := parsedOptions{mss: 1460, hasMSS: true, wndScale: 7}
	// parsedOptions has only unexported fields, which deep skips by default.
	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("parsed options mismatch: %v", diff)
	}
}

func TestParseOptionsTimestamps(t *testing.T) {
	raw := encodeOptions(optionsToSend{wndScale: -1, sendTS: true, tsVal: 0xdeadbeef, tsEcr: 0x12345678})
	got, ok := parseOptions(raw)
	if !ok {
		t.Fatalf("parseOptions failed on a well-formed timestamp buffer")
	}
	if !got.hasTS || got.tsVal != 0xdeadbeef || got.tsEcr != 0x12345678 {
		t.Fatalf("parsed timestamps = %+v, want tsVal=0xdeadbeef tsEcr=0x12345678", got)
	}
	if got.wndScale != -1 {
		t.Fatalf("wndScale = %d, want -1 (absent)", got.wndScale)
	}
}

func TestParseOptionsSkipsNOPAndEOL(t *testing.T) {
	raw := []byte{header.TCPOptionNOP, header.TCPOptionNOP, header.TCPOptionEOL, 0xff, 0xff}
	_, ok := parseOptions(raw)
	if !ok {
		t.Fatalf("parseOptions should tolerate NOP padding followed by EOL")
	}
}

func TestParseOptionsRejectsMalformedMSS(t *testing.T) {
	cases := [][]byte{
		{header.TCPOptionMSS, 4, 0x05}, // truncated
		{header.TCPOptionMSS, 3, 0, 0}, // wrong declared length
		{header.TCPOptionMSS, 4, 0, 0}, // MSS of zero
	}
	for i, raw := range cases {
		if _, ok := parseOptions(raw); ok {
			t.Errorf("case %d: parseOptions accepted malformed MSS option %v", i, raw)
		}
	}
}

func TestParseOptionsRejectsOverlongUnknownOption(t *testing.T) {
	raw := []byte{0x42, 200, 0} // claims a length far past the buffer
	if _, ok := parseOptions(raw); ok {
		t.Fatalf("parseOptions accepted an overlong unknown option")
	}
}

func TestEncodeOptionsPadsToFourByteMultiple(t *testing.T) {
	raw := encodeOptions(optionsToSend{mss: 1460, wndScale: -1})
	if len(raw)%4 != 0 {
		t.Fatalf("encoded options length %d is not a multiple of 4", len(raw))
	}
}

func TestFindWndScale(t *testing.T) {
	cases := []struct {
		wnd  uint32
		want int
	}{
		{0, 0},
		{0xffff, 0},
		{0x10000, 1},
		{0x20000, 2},
		{1 << 30, 14}, // clamped at maxWndScale
	}
	for _, c := range cases {
		if got := findWndScale(c.wnd); got != c.want {
			t.Errorf("findWndScale(%d) = %d, want %d", c.wnd, got, c.want)
		}
	}
}
