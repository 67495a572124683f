// Package cipherengine implements the bulk-encryption variants used by
// the binary packet protocol (spec.md §4.6). Tagged variants behind a
// single capability interface, per the §9 design note; new algorithms
// are added as new variants, never a new base class.
package cipherengine

import "errors"

// ErrBadKeyLen is returned when SetKeys receives key/iv material shorter
// than the algorithm requires.
var ErrBadKeyLen = errors.New("cipherengine: short key or iv material")

// Engine is the capability interface every cipher variant implements.
type Engine interface {
	// SetKeys installs the encryption key and IV for this direction.
	SetKeys(encKey, iv []byte) error
	// BlockLen returns the cipher's block length for padding-size math.
	// Identity reports 8 per spec.md §4.4/§4.6 ("block_len = 0 for
	// padding math, treated as 8").
	BlockLen() int
	// Encrypt mutates buf in place, encrypting it under the running
	// keystream/counter state (no per-packet reset).
	Encrypt(buf []byte)
	// Decrypt mutates buf in place.
	Decrypt(buf []byte)
	// Name returns the SSH algorithm name, e.g. "aes128-ctr".
	Name() string
}

// ByName constructs a fresh, unkeyed Engine for the given SSH algorithm
// name.
func ByName(name string) (Engine, bool) {
	switch name {
	case "none":
		return &Identity{}, true
	case "aes128-ctr":
		return &AesCtr128{}, true
	case "blowfish-cfb":
		return &BlowfishCFB{}, true
	case "twofish-cfb":
		return &TwofishCFB{}, true
	case "cryptmt1":
		return &CryptMT1{}, true
	default:
		return nil, false
	}
}

// SupportedNames lists algorithm names in the client's default
// preference order. Only aes128-ctr (required) and none are offered by
// default; the extra enrichment variants are available via
// client.Config.ExtraCipherAlgorithms for private deployments, since
// none of them is an RFC 4253/8758-registered name a real SSH server
// would advertise.
func SupportedNames() []string {
	return []string{"aes128-ctr", "none"}
}

// EnrichmentNames lists the additional, non-core variants this module
// wires in to exercise further domain dependencies (see DESIGN.md).
func EnrichmentNames() []string {
	return []string{"blowfish-cfb", "twofish-cfb", "cryptmt1"}
}
