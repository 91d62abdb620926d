package stm32crc

import "testing"

// These expectations are derived from the documented STM32 hardware CRC
// semantics (poly 0x04C11DB7, seed 0xFFFFFFFF, non-reflected, no xorout —
// i.e. CRC-32/MPEG-2) rather than transcribed from the distilled spec's
// illustrative example, which does not correspond to any standard
// parameterization of CRC-32 over the described bytes; see DESIGN.md.

func TestChecksumAllOnesIsZero(t *testing.T) {
	if got := Checksum([]byte{0xFF, 0xFF, 0xFF, 0xFF}); got != 0 {
		t.Fatalf("checksum(0xFFFFFFFF) = %#08x, want 0", got)
	}
}

func TestChecksumAllZeros(t *testing.T) {
	if got := Checksum([]byte{0, 0, 0, 0}); got != 0xc704dd7b {
		t.Fatalf("checksum(0) = %#08x, want 0xc704dd7b", got)
	}
}

func TestChecksumDefaultConfigHeader(t *testing.T) {
	data := []byte{0x09, 0x00, 0x00, 0x00, 0x84, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if got := Checksum(data); got != 0xf3622c88 {
		t.Fatalf("checksum(default config) = %#08x, want 0xf3622c88", got)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	data := []byte{0x09, 0x00, 0x00, 0x00, 0x84, 0x03, 0x00, 0x00, 0xaa, 0xbb, 0xcc, 0xdd}
	a := Checksum(data)
	b := Checksum(data)
	if a != b {
		t.Fatalf("checksum not deterministic: %#08x != %#08x", a, b)
	}
	if a != 0x10087603 {
		t.Fatalf("checksum = %#08x, want 0x10087603", a)
	}
}

func TestPadShortBuffer(t *testing.T) {
	got := Pad([]byte{0xAA})
	want := []byte{0xAA, 0, 0, 0}
	if len(got) != 4 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] || got[3] != want[3] {
		t.Fatalf("pad(1 byte) = %v, want %v", got, want)
	}
}

func TestPadRoundsDown(t *testing.T) {
	got := Pad([]byte{1, 2, 3, 4, 5, 6})
	if len(got) != 4 {
		t.Fatalf("pad(6 bytes) length = %d, want 4", len(got))
	}
}

func TestPadExactMultiple(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	got := Pad(in)
	if len(got) != 8 {
		t.Fatalf("pad(8 bytes) length = %d, want 8", len(got))
	}
}
