// Package crypto holds the per-room key material and the AES-256-CBC cipher
// endpoints use to encrypt chat content. The server only generates and
// distributes key material; it never encrypts or decrypts messages.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

var (
	ErrBadKey            = errors.New("crypto: invalid key material")
	ErrInvalidCiphertext = errors.New("crypto: ciphertext is not a whole number of blocks")
	ErrInvalidPadding    = errors.New("crypto: invalid padding")
)

// KeyMaterial is the symmetric key and IV shared by every member of an
// encrypted room.
type KeyMaterial struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// GenerateKeyMaterial draws a fresh key and IV from crypto/rand.
func GenerateKeyMaterial() (KeyMaterial, error) {
	var km KeyMaterial
	if _, err := rand.Read(km.Key[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate room key: %w", err)
	}
	if _, err := rand.Read(km.IV[:]); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate room iv: %w", err)
	}
	return km, nil
}

// KeyHex returns the key as 64 lowercase hex characters.
func (km KeyMaterial) KeyHex() string { return hex.EncodeToString(km.Key[:]) }

// IVHex returns the IV as 32 lowercase hex characters.
func (km KeyMaterial) IVHex() string { return hex.EncodeToString(km.IV[:]) }

// ParseKeyMaterial is the inverse of KeyHex/IVHex.
func ParseKeyMaterial(keyHex, ivHex string) (KeyMaterial, error) {
	var km KeyMaterial
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != KeySize {
		return KeyMaterial{}, fmt.Errorf("%w: key must be %d hex characters", ErrBadKey, KeySize*2)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVSize {
		return KeyMaterial{}, fmt.Errorf("%w: iv must be %d hex characters", ErrBadKey, IVSize*2)
	}
	copy(km.Key[:], key)
	copy(km.IV[:], iv)
	return km, nil
}

// Encrypt pads plaintext with PKCS#7 and encrypts it under km.
func Encrypt(plaintext []byte, km KeyMaterial) ([]byte, error) {
	block, err := aes.NewCipher(km.Key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, km.IV[:]).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt. A wrong key usually surfaces as ErrInvalidPadding.
func Decrypt(ciphertext []byte, km KeyMaterial) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(km.Key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, km.IV[:]).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
