// Package kex implements the key-exchange subsystem (spec.md §4.8): a
// KexHandler negotiates a shared secret and host-key signature with the
// peer, then derives the six directional keys the packet layer runs on.
// Variants are tagged implementations of one interface, not a class
// hierarchy, matching the generalized design of cipherengine/macengine.
package kex

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"math/big"

	"blitter.com/go/xssh/wire"
)

var (
	// ErrSignatureInvalid means the host key's signature over the
	// exchange hash did not verify. Fatal.
	ErrSignatureInvalid = errors.New("kex: host key signature verification failed")
	// ErrPublicValueOutOfRange means the peer's DH public value f was
	// not in [1, p-1]. Fatal.
	ErrPublicValueOutOfRange = errors.New("kex: peer public value out of range")
	// ErrWeakSharedSecret means the computed shared secret K was 0 or 1.
	// Fatal.
	ErrWeakSharedSecret = errors.New("kex: shared secret is degenerate")
	// ErrMalformedHostKey means the ssh-rsa host key blob could not be
	// parsed.
	ErrMalformedHostKey = errors.New("kex: malformed host key blob")
	// ErrUnsupportedHostKeyAlgorithm means the host key blob's leading
	// name string was not "ssh-rsa".
	ErrUnsupportedHostKeyAlgorithm = errors.New("kex: unsupported host key algorithm")
)

// ExchangeInput gathers everything the exchange hash (spec.md §4.8) is
// computed over, besides the handler's own e/f/K.
type ExchangeInput struct {
	ClientIdent   []byte // V_C, no trailing CR/LF
	ServerIdent   []byte // V_S, no trailing CR/LF
	ClientKexInit []byte // I_C, verbatim KEXINIT payload we sent
	ServerKexInit []byte // I_S, verbatim KEXINIT payload we received
}

// Result carries everything a successful exchange produces: the
// exchange hash H, the session identifier to latch (first exchange
// only; callers decide whether to adopt it), and the six directional
// key streams in RFC 4253 §7.2 order.
type Result struct {
	H         []byte
	SharedKey *big.Int

	IVClientToServer  []byte
	IVServerToClient  []byte
	EncClientToServer []byte
	EncServerToClient []byte
	MacClientToServer []byte
	MacServerToClient []byte
}

// HostKeyVerifier is called with the raw host key blob and its SHA-1
// fingerprint before the exchange is accepted. The default used by
// client.Config is an explicit accept-all (spec.md §9 Open Question 1);
// production callers should supply a real one.
type HostKeyVerifier func(hostKeyBlob []byte, fingerprint [20]byte) bool

// AcceptAnyHostKey is the insecure default verifier: it accepts every
// host key without comparison against any known-hosts store. Named so
// its use is visible at call sites.
func AcceptAnyHostKey([]byte, [20]byte) bool { return true }

// Handler is the capability every key-exchange variant implements:
// build the client's first-message payload, then consume the server's
// reply and produce a Result.
type Handler interface {
	// Name returns the SSH algorithm name, e.g.
	// "diffie-hellman-group14-sha1".
	Name() string
	// InitPayload returns the SSH_MSG_KEXDH_INIT (or equivalent)
	// payload to send, including the leading message-id byte.
	InitPayload() ([]byte, error)
	// HandleReply consumes the SSH_MSG_KEXDH_REPLY (or equivalent)
	// payload (including its leading message-id byte) together with
	// the exchange input, verifies the host key signature, and
	// returns the derived Result.
	HandleReply(replyPayload []byte, in ExchangeInput, verify HostKeyVerifier) (*Result, error)
}

const (
	msgKexdhInit  = 30
	msgKexdhReply = 31
)

func hashPrefixedString(h hashWriter, b []byte) {
	var lenBuf [4]byte
	n := uint32(len(b))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	h.Write(lenBuf[:])
	h.Write(b)
}

// hashWriter is the subset of hash.Hash this package needs.
type hashWriter interface {
	Write(p []byte) (int, error)
}

// DHGroup14SHA1 implements the core-required diffie-hellman-group14-sha1
// key-exchange method together with ssh-rsa host-key verification
// (spec.md §4.8).
type DHGroup14SHA1 struct {
	x *big.Int // client private exponent
	e *big.Int // client public value
}

// NewDHGroup14SHA1 generates a fresh client ephemeral keypair (x, e).
func NewDHGroup14SHA1() (*DHGroup14SHA1, error) {
	p := Group14P()
	// x is drawn uniformly from [1, p-2]; using 2*|p| bits of randomness
	// reduced mod (p-2), plus 1, keeps bias negligible without requiring
	// rejection sampling (the same approach crypto/dh-style code in the
	// pack's golang.org/x/crypto/ssh reference uses).
	pm2 := new(big.Int).Sub(p, big.NewInt(2))
	x, err := rand.Int(rand.Reader, pm2)
	if err != nil {
		return nil, err
	}
	x.Add(x, big.NewInt(1))
	e := new(big.Int).Exp(Group14G(), x, p)
	return &DHGroup14SHA1{x: x, e: e}, nil
}

// Name implements Handler.
func (d *DHGroup14SHA1) Name() string { return "diffie-hellman-group14-sha1" }

// InitPayload implements Handler, building SSH_MSG_KEXDH_INIT: byte
// SSH_MSG_KEXDH_INIT, mpint e.
func (d *DHGroup14SHA1) InitPayload() ([]byte, error) {
	buf := wire.NewBufferSize(1 + wire.MPIntSize(d.e))
	if err := buf.WriteByte(msgKexdhInit); err != nil {
		return nil, err
	}
	if err := buf.WriteBigInt(d.e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandleReply implements Handler, parsing SSH_MSG_KEXDH_REPLY: byte
// SSH_MSG_KEXDH_REPLY, string K_S (host key blob), mpint f, string
// sig_H, then verifying the signature and deriving keys.
func (d *DHGroup14SHA1) HandleReply(replyPayload []byte, in ExchangeInput, verify HostKeyVerifier) (*Result, error) {
	buf := wire.NewBuffer(replyPayload)
	msgID, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	if msgID != msgKexdhReply {
		return nil, errors.New("kex: expected KEXDH_REPLY")
	}
	hostKeyBlob, err := buf.ReadString()
	if err != nil {
		return nil, err
	}
	f, err := buf.ReadMPInt()
	if err != nil {
		return nil, err
	}
	sigBlob, err := buf.ReadString()
	if err != nil {
		return nil, err
	}

	p := Group14P()
	pm1 := new(big.Int).Sub(p, big.NewInt(1))
	if f.Cmp(big.NewInt(1)) < 0 || f.Cmp(pm1) > 0 {
		return nil, ErrPublicValueOutOfRange
	}

	pub, err := parseRSAHostKey(hostKeyBlob)
	if err != nil {
		return nil, err
	}

	K := new(big.Int).Exp(f, d.x, p)
	if K.Cmp(big.NewInt(0)) == 0 || K.Cmp(big.NewInt(1)) == 0 {
		return nil, ErrWeakSharedSecret
	}

	h := sha1.New()
	hashPrefixedString(h, in.ClientIdent)
	hashPrefixedString(h, in.ServerIdent)
	hashPrefixedString(h, in.ClientKexInit)
	hashPrefixedString(h, in.ServerKexInit)
	hashPrefixedString(h, hostKeyBlob)
	hashPrefixedString(h, wire.NewMPInt(d.e).Bytes())
	hashPrefixedString(h, wire.NewMPInt(f).Bytes())
	hashPrefixedString(h, wire.NewMPInt(K).Bytes())
	H := h.Sum(nil)

	sig, err := parseRSASignatureBlob(sigBlob)
	if err != nil {
		return nil, err
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, H, sig); err != nil {
		return nil, ErrSignatureInvalid
	}

	var fingerprint [20]byte
	copy(fingerprint[:], sha1Sum(hostKeyBlob))
	if verify == nil {
		verify = AcceptAnyHostKey
	}
	if !verify(hostKeyBlob, fingerprint) {
		return nil, ErrSignatureInvalid
	}

	return &Result{H: H, SharedKey: K}, nil
}

func sha1Sum(b []byte) []byte {
	h := sha1.New()
	h.Write(b)
	return h.Sum(nil)
}

// parseRSAHostKey parses an ssh-rsa public key blob: string("ssh-rsa")
// || mpint(e) || mpint(n).
func parseRSAHostKey(blob []byte) (*rsa.PublicKey, error) {
	buf := wire.NewBuffer(blob)
	algo, err := buf.ReadString()
	if err != nil {
		return nil, ErrMalformedHostKey
	}
	if string(algo) != "ssh-rsa" {
		return nil, ErrUnsupportedHostKeyAlgorithm
	}
	e, err := buf.ReadMPInt()
	if err != nil {
		return nil, ErrMalformedHostKey
	}
	n, err := buf.ReadMPInt()
	if err != nil {
		return nil, ErrMalformedHostKey
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// parseRSASignatureBlob parses the ssh-rsa signature blob:
// string("ssh-rsa") || string(signature).
func parseRSASignatureBlob(blob []byte) ([]byte, error) {
	buf := wire.NewBuffer(blob)
	algo, err := buf.ReadString()
	if err != nil {
		return nil, ErrMalformedHostKey
	}
	if string(algo) != "ssh-rsa" {
		return nil, ErrUnsupportedHostKeyAlgorithm
	}
	sig, err := buf.ReadString()
	if err != nil {
		return nil, ErrMalformedHostKey
	}
	return sig, nil
}

// DeriveKeys implements the RFC 4253 §7.2 directional key schedule
// (spec.md §4.8). sessionID is H on the very first exchange and is
// latched by the caller for the connection's lifetime thereafter.
func DeriveKeys(K *big.Int, H, sessionID []byte, ivLen, encLen, macLen int) *Result {
	kBytes := wire.NewMPInt(K).Bytes()

	derive := func(tag byte, length int) []byte {
		return expand(kBytes, H, tag, sessionID, length)
	}

	return &Result{
		H:                 H,
		SharedKey:         K,
		IVClientToServer:  derive('A', ivLen),
		IVServerToClient:  derive('B', ivLen),
		EncClientToServer: derive('C', encLen),
		EncServerToClient: derive('D', encLen),
		MacClientToServer: derive('E', macLen),
		MacServerToClient: derive('F', macLen),
	}
}

// expand implements HASH(K || H || tag || session_id), extended by
// hashing K || H || previous_blocks when length exceeds one digest
// (spec.md §4.8; not exercised by AES-128/HMAC-SHA-256, both of which
// fit in a single SHA-1 block here).
func expand(kBytes, H []byte, tag byte, sessionID []byte, length int) []byte {
	h := sha1.New()
	h.Write(kBytes)
	h.Write(H)
	h.Write([]byte{tag})
	h.Write(sessionID)
	out := h.Sum(nil)
	for len(out) < length {
		h2 := sha1.New()
		h2.Write(kBytes)
		h2.Write(H)
		h2.Write(out)
		out = append(out, h2.Sum(nil)...)
	}
	return out[:length]
}

