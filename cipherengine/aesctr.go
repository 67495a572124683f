package cipherengine

import (
	"crypto/aes"
	"crypto/cipher"
)

// AesCtr128 implements aes128-ctr, the core-required bulk cipher. The
// counter advances across packets for the lifetime of the direction (no
// per-packet reset), per spec.md §4.6.
type AesCtr128 struct {
	stream cipher.Stream
}

func (a *AesCtr128) SetKeys(encKey, iv []byte) error {
	if len(encKey) < 16 || len(iv) < aes.BlockSize {
		return ErrBadKeyLen
	}
	block, err := aes.NewCipher(encKey[:16])
	if err != nil {
		return err
	}
	a.stream = cipher.NewCTR(block, iv[:aes.BlockSize])
	return nil
}

func (a *AesCtr128) BlockLen() int { return aes.BlockSize }

func (a *AesCtr128) Encrypt(buf []byte) { a.stream.XORKeyStream(buf, buf) }
func (a *AesCtr128) Decrypt(buf []byte) { a.stream.XORKeyStream(buf, buf) }
func (a *AesCtr128) Name() string       { return "aes128-ctr" }
