package cipherengine

import (
	"crypto/cipher"

	"blitter.com/go/cryptmt"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"
)

// BlowfishCFB and TwofishCFB are domain-stack enrichment variants (never
// default-negotiated — "blowfish-cfb"/"twofish-cfb" are not RFC
// 4253/8758 names) demonstrating that the tagged-variant Engine
// interface accepts new algorithms without touching core negotiation.
// Grounded on hkexchan.go's getStream cipher switch.
type BlowfishCFB struct {
	enc cipher.Stream
	dec cipher.Stream
}

func (b *BlowfishCFB) SetKeys(encKey, iv []byte) error {
	if len(iv) < blowfish.BlockSize {
		return ErrBadKeyLen
	}
	block, err := blowfish.NewCipher(encKey)
	if err != nil {
		return err
	}
	b.enc = cipher.NewCFBEncrypter(block, iv[:blowfish.BlockSize])
	b.dec = cipher.NewCFBDecrypter(block, iv[:blowfish.BlockSize])
	return nil
}

func (b *BlowfishCFB) BlockLen() int      { return blowfish.BlockSize }
func (b *BlowfishCFB) Encrypt(buf []byte) { b.enc.XORKeyStream(buf, buf) }
func (b *BlowfishCFB) Decrypt(buf []byte) { b.dec.XORKeyStream(buf, buf) }
func (b *BlowfishCFB) Name() string       { return "blowfish-cfb" }

type TwofishCFB struct {
	enc cipher.Stream
	dec cipher.Stream
}

func (t *TwofishCFB) SetKeys(encKey, iv []byte) error {
	if len(iv) < twofish.BlockSize {
		return ErrBadKeyLen
	}
	block, err := twofish.NewCipher(encKey)
	if err != nil {
		return err
	}
	t.enc = cipher.NewCFBEncrypter(block, iv[:twofish.BlockSize])
	t.dec = cipher.NewCFBDecrypter(block, iv[:twofish.BlockSize])
	return nil
}

func (t *TwofishCFB) BlockLen() int      { return twofish.BlockSize }
func (t *TwofishCFB) Encrypt(buf []byte) { t.enc.XORKeyStream(buf, buf) }
func (t *TwofishCFB) Decrypt(buf []byte) { t.dec.XORKeyStream(buf, buf) }
func (t *TwofishCFB) Name() string       { return "twofish-cfb" }

// CryptMT1 wraps blitter.com/go/cryptmt as a further enrichment variant.
// CryptMT is a synchronous stream cipher: encrypt and decrypt share one
// keystream, so an independent Cipher instance is kept per direction to
// avoid cross-direction keystream interference.
type CryptMT1 struct {
	enc *cryptmt.Cipher
	dec *cryptmt.Cipher
}

const cryptMT1KeyLen = 64

func (c *CryptMT1) SetKeys(encKey, _ []byte) error {
	if len(encKey) < cryptMT1KeyLen {
		return ErrBadKeyLen
	}
	key := encKey[:cryptMT1KeyLen]
	c.enc = cryptmt.NewCipher(key)
	c.dec = cryptmt.NewCipher(key)
	return nil
}

func (c *CryptMT1) BlockLen() int { return 8 }
func (c *CryptMT1) Encrypt(buf []byte) {
	c.enc.XORKeyStream(buf, buf)
}
func (c *CryptMT1) Decrypt(buf []byte) {
	c.dec.XORKeyStream(buf, buf)
}
func (c *CryptMT1) Name() string { return "cryptmt1" }
