package natcrypto

import "testing"

func TestHashFunctionsKnownValues(t *testing.T) {
	data := []byte("hello")
	cases := []struct {
		name string
		fn   HashFunc
		want uint32
	}{
		{"DJB", DJBHash, 0x0f923099},
		{"DEK", DEKHash, 0x0cb33def},
		{"JS", JSHash, 0x6718efcb},
		{"RS", RSHash, 0x3ad49e92},
	}
	for _, c := range cases {
		if got := c.fn(data); got != c.want {
			t.Errorf("%s(%q) = %#08x, want %#08x", c.name, data, got, c.want)
		}
	}
}

func TestLegacyScheduleDeterministic(t *testing.T) {
	cfg := NewConfig(nil, nil, [4]uint32{1, 2, 3, 4}, [4]uint32{5, 6, 7, 8}, nil)
	k1, iv1 := cfg.LegacySchedule(0x12345678)
	k2, iv2 := cfg.LegacySchedule(0x12345678)
	if k1 != k2 || iv1 != iv2 {
		t.Fatalf("legacy schedule not deterministic")
	}
	k3, _ := cfg.LegacySchedule(0x87654321)
	if k1 == k3 {
		t.Fatalf("legacy schedule did not vary with serial")
	}
}

func TestModernScheduleAsymmetry(t *testing.T) {
	cfg := NewConfig([]byte("aes-key-blob"), []byte("aes-iv-blob"), [4]uint32{}, [4]uint32{}, nil)
	serial := uint32(0x12345678)
	key, _ := cfg.ModernSchedule(serial)

	// aesKey[i] = ~serial ^ CanAlgoKey[i], NOT ~(serial ^ CanAlgoKey[i]).
	var want [4]uint32
	notSerial := ^serial
	for i := range want {
		want[i] = notSerial ^ cfg.CanAlgoKey[i]
	}
	wantBytes := packLE(want)
	if key != wantBytes {
		t.Fatalf("modern key schedule formula mismatch: got %x want %x", key, wantBytes)
	}
}

func TestChallengeSolveDeterministic(t *testing.T) {
	deviceID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	k1, iv1 := ChallengeSolve(0xDEADBEEF, 0x12345678, deviceID)
	k2, iv2 := ChallengeSolve(0xDEADBEEF, 0x12345678, deviceID)
	if k1 != k2 || iv1 != iv2 {
		t.Fatalf("challenge solve not deterministic")
	}
}

func TestSessionScheduleIVRepeatsWord(t *testing.T) {
	_, iv := SessionSchedule([4]uint32{1, 2, 3, 4}, 0xAABBCCDD)
	for i := 0; i < 4; i++ {
		if iv[i] != iv[i+4] || iv[i] != iv[i+8] || iv[i] != iv[i+12] {
			t.Fatalf("session IV is not 4 repeats of the same word: %x", iv)
		}
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	var key, iv [16]byte
	for i := range key {
		key[i] = byte(i)
		iv[i] = byte(i * 2)
	}
	plain := []byte("0123456789ABCDEF0123456789ABCDEF")[:32]
	ct, err := Encrypt(key, iv, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := Decrypt(key, iv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != string(plain) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plain)
	}
}

func TestAESCBCRejectsUnalignedData(t *testing.T) {
	var key, iv [16]byte
	if _, err := Encrypt(key, iv, []byte{1, 2, 3}); err != ErrNotBlockAligned {
		t.Fatalf("expected ErrNotBlockAligned, got %v", err)
	}
}
