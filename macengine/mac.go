// Package macengine implements the packet-integrity MAC variants used by
// the binary packet protocol (spec.md §4.7): a tagged-variant interface
// rather than a class hierarchy, per the design note in §9.
package macengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// Engine is the capability interface every MAC variant implements.
type Engine interface {
	// SetKey installs the integrity key for this direction.
	SetKey(key []byte)
	// Len returns the MAC's output length in bytes (0 for Identity).
	Len() int
	// Produce computes the MAC over (seq || packetBeforeMAC) into out,
	// which must have capacity Len().
	Produce(seq uint32, packetBeforeMAC []byte) (out []byte)
	// Verify recomputes the MAC and compares it against received in
	// constant time, regardless of where a mismatch would first appear.
	Verify(seq uint32, packetBeforeMAC []byte, received []byte) bool
	// Name returns the SSH algorithm name, e.g. "hmac-sha2-256".
	Name() string
}

func seqPrefix(seq uint32) [4]byte {
	var b [4]byte
	b[0] = byte(seq >> 24)
	b[1] = byte(seq >> 16)
	b[2] = byte(seq >> 8)
	b[3] = byte(seq)
	return b
}

// Identity is the "none" MAC: always zero length, always verifies.
type Identity struct{}

func (Identity) SetKey([]byte) {}
func (Identity) Len() int      { return 0 }
func (Identity) Produce(uint32, []byte) []byte {
	return nil
}
func (Identity) Verify(uint32, []byte, []byte) bool { return true }
func (Identity) Name() string                       { return "none" }

// HmacSha256 implements hmac-sha2-256 (32-byte output), the
// core-required integrity algorithm.
type HmacSha256 struct {
	key []byte
}

func NewHmacSha256() *HmacSha256 { return &HmacSha256{} }

func (h *HmacSha256) SetKey(key []byte) {
	h.key = append([]byte(nil), key...)
}

func (h *HmacSha256) Len() int { return sha256.Size }

func (h *HmacSha256) Name() string { return "hmac-sha2-256" }

func (h *HmacSha256) Produce(seq uint32, packetBeforeMAC []byte) []byte {
	mac := hmac.New(sha256.New, h.key)
	sp := seqPrefix(seq)
	mac.Write(sp[:])
	mac.Write(packetBeforeMAC)
	return mac.Sum(nil)
}

// Verify recomputes the MAC unconditionally and uses constant-time
// comparison, so it always runs to completion regardless of an early
// byte mismatch (spec.md §8 invariant).
func (h *HmacSha256) Verify(seq uint32, packetBeforeMAC []byte, received []byte) bool {
	want := h.Produce(seq, packetBeforeMAC)
	if len(received) != len(want) {
		// still perform a constant-time compare against a same-length
		// zero buffer so timing doesn't leak the length mismatch path
		// either.
		subtle.ConstantTimeCompare(want, want)
		return false
	}
	return subtle.ConstantTimeCompare(want, received) == 1
}

// ByName constructs a fresh, unkeyed Engine for the given SSH algorithm
// name.
func ByName(name string) (Engine, bool) {
	switch name {
	case "none":
		return Identity{}, true
	case "hmac-sha2-256":
		return NewHmacSha256(), true
	default:
		return nil, false
	}
}

// SupportedNames lists algorithm names in the client's default
// preference order (best/required first).
func SupportedNames() []string {
	return []string{"hmac-sha2-256", "none"}
}
