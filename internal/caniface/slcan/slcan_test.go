package slcan

import "testing"

func TestParseFrameLineExtended(t *testing.T) {
	frame, ok := parseFrameLine("T1000000081122334455667788")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if frame.ID != 0x10000000 {
		t.Fatalf("ID = %#x, want 0x10000000", frame.ID)
	}
	want := [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	if frame.Data != want {
		t.Fatalf("Data = %v, want %v", frame.Data, want)
	}
}

func TestParseFrameLineShortDLC(t *testing.T) {
	frame, ok := parseFrameLine("T100000002AABB")
	if !ok {
		t.Fatal("expected line to parse")
	}
	want := [8]byte{0xAA, 0xBB, 0, 0, 0, 0, 0, 0}
	if frame.Data != want {
		t.Fatalf("Data = %v, want %v", frame.Data, want)
	}
}

func TestParseFrameLineIgnoresNonDataLines(t *testing.T) {
	for _, line := range []string{"z", "Z", "", "T", "T1000000"} {
		if _, ok := parseFrameLine(line); ok {
			t.Fatalf("expected %q to be rejected", line)
		}
	}
}

func TestParseFrameLineRejectsTruncatedData(t *testing.T) {
	if _, ok := parseFrameLine("T100000008AABB"); ok {
		t.Fatal("expected truncated DLC=8 payload to be rejected")
	}
}
