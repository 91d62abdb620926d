package natcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// ErrNotBlockAligned is returned when data passed to Encrypt/Decrypt is not
// a multiple of the AES block size. The wire protocol never pads.
var ErrNotBlockAligned = fmt.Errorf("natcrypto: data length must be a multiple of %d bytes", aes.BlockSize)

// Encrypt AES-128-CBC-encrypts data in place and returns it; no padding is
// applied, so len(data) must be a multiple of the AES block size.
func Encrypt(key, iv [16]byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, data)
	return out, nil
}

// Decrypt AES-128-CBC-decrypts data with no padding removal.
func Decrypt(key, iv [16]byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, data)
	return out, nil
}
