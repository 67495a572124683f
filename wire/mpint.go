package wire

import "math/big"

// MPInt is an unsigned big-endian byte string, kept in the canonical
// RFC 4251 §5 "mpint" wire form. Two's-complement signedness is not
// modeled: every quantity this protocol exchanges (DH values, RSA
// modulus/exponent, shared secrets) is non-negative.
type MPInt struct {
	raw []byte // canonical encoding: possibly prefixed with 0x00
}

// Pad takes the minimal unsigned big-endian representation of a
// non-negative value and returns the canonical mpint encoding: a leading
// 0x00 byte is inserted iff the high bit of the first byte would
// otherwise be set, so the value is never misread as negative. A
// zero-length input (value 0) is returned unchanged (empty).
func Pad(unsigned []byte) []byte {
	// strip any pre-existing leading zero bytes to get the minimal form
	i := 0
	for i < len(unsigned) && unsigned[i] == 0 {
		i++
	}
	unsigned = unsigned[i:]
	if len(unsigned) == 0 {
		return []byte{}
	}
	if unsigned[0]&0x80 != 0 {
		out := make([]byte, len(unsigned)+1)
		copy(out[1:], unsigned)
		return out
	}
	return unsigned
}

// NewMPInt builds an MPInt from a big.Int, which must be non-negative.
func NewMPInt(v *big.Int) MPInt {
	if v.Sign() == 0 {
		return MPInt{raw: []byte{}}
	}
	return MPInt{raw: Pad(v.Bytes())}
}

// NewMPIntFromUnsigned builds an MPInt directly from an unsigned
// big-endian byte slice (e.g. key material), applying Pad.
func NewMPIntFromUnsigned(b []byte) MPInt {
	return MPInt{raw: Pad(b)}
}

// Bytes returns the canonical (padded) encoding, without the 4-byte
// length prefix.
func (m MPInt) Bytes() []byte { return m.raw }

// Int decodes the MPInt back into a big.Int.
func (m MPInt) Int() *big.Int {
	v := new(big.Int)
	if len(m.raw) == 0 {
		return v
	}
	b := m.raw
	if b[0] == 0 {
		b = b[1:]
	}
	return v.SetBytes(b)
}

// WriteMPInt writes an mpint field (length-prefixed canonical encoding).
func (b *Buffer) WriteMPInt(m MPInt) error {
	return b.WriteString(m.raw)
}

// WriteBigInt is a convenience wrapper combining NewMPInt and WriteMPInt.
func (b *Buffer) WriteBigInt(v *big.Int) error {
	return b.WriteMPInt(NewMPInt(v))
}

// ReadMPInt reads an mpint field into a big.Int.
func (b *Buffer) ReadMPInt() (*big.Int, error) {
	raw, err := b.ReadString()
	if err != nil {
		return nil, err
	}
	m := MPInt{raw: raw}
	return m.Int(), nil
}

// MPIntSize returns the encoded wire size (4 + len) of the canonical
// encoding of v.
func MPIntSize(v *big.Int) int {
	return StringSize(NewMPInt(v).Bytes())
}
