package natcrypto

import "encoding/binary"

// Config holds the immutable, boot-time key material the NAT crypto
// handshake is derived from. It is built once from YAML configuration and
// passed by value into every device — never mutated after construction (see
// SPEC_FULL.md §9, "Global mutable crypto configuration").
type Config struct {
	// LegacyKey/LegacyIV are the four u32 arrays used by the legacy
	// (device-ID exchange) key schedule.
	LegacyKey [4]uint32
	LegacyIV  [4]uint32

	// CanAlgoKey/CanAlgoIV are derived once, at construction, from the
	// encrypted-AES-key/IV hex blobs via the [DEK, JS, DJB, RS] hash order.
	CanAlgoKey [4]uint32
	CanAlgoIV  [4]uint32

	// MasterDeviceID is the crypto master device-ID blob, decoded from hex.
	MasterDeviceID []byte
}

var modernHashOrder = [4]HashFunc{DEKHash, JSHash, DJBHash, RSHash}
var challengeHashOrder = [4]HashFunc{RSHash, JSHash, DJBHash, DEKHash}

// NewConfig builds an immutable Config from decoded key blobs.
func NewConfig(aesKey, aesIV []byte, legacyKey, legacyIV [4]uint32, masterDeviceID []byte) Config {
	var cfg Config
	cfg.LegacyKey = legacyKey
	cfg.LegacyIV = legacyIV
	cfg.MasterDeviceID = append([]byte(nil), masterDeviceID...)
	for i, h := range modernHashOrder {
		cfg.CanAlgoKey[i] = h(aesKey)
		cfg.CanAlgoIV[i] = h(aesIV)
	}
	return cfg
}

func packLE(words [4]uint32) [16]byte {
	var out [16]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

// LegacySchedule derives the AES-128 key/IV used by the legacy device-ID
// exchange (CryptDeviceIdRequest), keyed by the device's serial number.
//
// aesKey[i] = ~(serial ^ LegacyKey[i]); aesIV[i] = serial ^ LegacyIV[i].
func (c Config) LegacySchedule(serial uint32) (key, iv [16]byte) {
	var k, v [4]uint32
	for i := 0; i < 4; i++ {
		k[i] = ^(serial ^ c.LegacyKey[i])
		v[i] = serial ^ c.LegacyIV[i]
	}
	return packLE(k), packLE(v)
}

// ModernSchedule derives the AES-128 key/IV used by the challenge handshake
// (CryptChallengeAuthRequest), keyed by the device's serial number.
//
// aesKey[i] = ~serial ^ CanAlgoKey[i]; aesIV[i] = serial ^ CanAlgoIV[i].
//
// The asymmetry with LegacySchedule (NOT of serial alone, not of the XOR) is
// intentional per SPEC_FULL.md §9 and must not be "fixed" to match the
// legacy formula.
func (c Config) ModernSchedule(serial uint32) (key, iv [16]byte) {
	var k, v [4]uint32
	notSerial := ^serial
	for i := 0; i < 4; i++ {
		k[i] = notSerial ^ c.CanAlgoKey[i]
		v[i] = serial ^ c.CanAlgoIV[i]
	}
	return packLE(k), packLE(v)
}

// ChallengeSolve computes the session key/IV material for a solved
// challenge: buffer = deviceID || random_le(4) || serial_le(4); sessionKey
// is the [RS, JS, DJB, DEK] hash quadruple over buffer; sessionIV is
// RS(buffer XOR 0xA5-per-byte).
func ChallengeSolve(random, serial uint32, deviceID [12]byte) (sessionKey [4]uint32, sessionIV uint32) {
	buf := make([]byte, 0, 20)
	buf = append(buf, deviceID[:]...)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], random)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], serial)
	buf = append(buf, tmp[:]...)

	for i, h := range challengeHashOrder {
		sessionKey[i] = h(buf)
	}

	xored := make([]byte, len(buf))
	for i, b := range buf {
		xored[i] = b ^ 0xA5
	}
	sessionIV = RSHash(xored)
	return sessionKey, sessionIV
}

// SessionSchedule derives the AES-128 key/IV used for data packets after a
// challenge has been solved: aesKey[i] = iv ^ sessionKey[i]; aesIV is the
// 4-byte LE encoding of iv repeated four times.
func SessionSchedule(sessionKey [4]uint32, sessionIV uint32) (key, iv [16]byte) {
	var k [4]uint32
	for i := range k {
		k[i] = sessionIV ^ sessionKey[i]
	}
	key = packLE(k)
	iv = packLE([4]uint32{sessionIV, sessionIV, sessionIV, sessionIV})
	return key, iv
}
