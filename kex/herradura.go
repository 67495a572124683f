package kex

import (
	"crypto/sha1"
	"errors"

	"blitter.com/go/herradurakex"
	"blitter.com/go/xssh/wire"
)

// ErrHerraduraNoPeerValue is returned by HandleReply when the reply
// payload carries no public value to adopt.
var ErrHerraduraNoPeerValue = errors.New("kex: herradura reply carries no public value")

const msgHerraduraReply = msgKexdhReply

// Herradura adapts blitter.com/go/herradurakex's FSCX-based exchange to
// the Handler interface (spec.md §2 domain-stack table): it demonstrates
// the same polymorphic-engine shape as DHGroup14SHA1 without being an
// IETF-registered kex method. It never negotiates against a real SSH
// peer; client.Config.ExtraKexAlgorithms is the only path that can
// select it, for private deployments running this module on both ends.
type Herradura struct {
	h *hkex.HerraduraKEx
}

// NewHerradura creates a fresh Herradura exchange state with the
// teacher's default intSz/pubSz (256/64).
func NewHerradura() *Herradura {
	return &Herradura{h: hkex.New(256, 64)}
}

// Name implements Handler.
func (x *Herradura) Name() string { return "herradura-fscx" }

// InitPayload sends our public value D as the message body, tagged with
// the same KEXDH_INIT message id other variants use so it rides the
// same framing.
func (x *Herradura) InitPayload() ([]byte, error) {
	d := x.h.D()
	buf := wire.NewBufferSize(1 + wire.MPIntSize(d))
	if err := buf.WriteByte(msgKexdhInit); err != nil {
		return nil, err
	}
	if err := buf.WriteBigInt(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandleReply reads the peer's public value, computes the shared FA
// value, and folds it through SHA-1 the same way DHGroup14SHA1 folds its
// DH shared secret, so the same DeriveKeys schedule applies uniformly
// regardless of which Handler negotiated.
func (x *Herradura) HandleReply(replyPayload []byte, in ExchangeInput, verify HostKeyVerifier) (*Result, error) {
	buf := wire.NewBuffer(replyPayload)
	msgID, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	if msgID != msgHerraduraReply {
		return nil, errors.New("kex: expected herradura reply")
	}
	peerD, err := buf.ReadMPInt()
	if err != nil {
		return nil, err
	}
	if peerD.Sign() == 0 {
		return nil, ErrHerraduraNoPeerValue
	}

	x.h.SetPeerD(peerD)
	x.h.ComputeFA()
	fa := x.h.FA()

	h := sha1.New()
	hashPrefixedString(h, in.ClientIdent)
	hashPrefixedString(h, in.ServerIdent)
	hashPrefixedString(h, in.ClientKexInit)
	hashPrefixedString(h, in.ServerKexInit)
	hashPrefixedString(h, wire.NewMPInt(x.h.D()).Bytes())
	hashPrefixedString(h, wire.NewMPInt(peerD).Bytes())
	hashPrefixedString(h, wire.NewMPInt(fa).Bytes())
	H := h.Sum(nil)

	if fa.Sign() == 0 {
		return nil, ErrWeakSharedSecret
	}

	// No host key is exchanged in this scheme; the verifier is called
	// with an empty blob so a caller that insists on verification can
	// still reject it explicitly.
	var fingerprint [20]byte
	if verify == nil {
		verify = AcceptAnyHostKey
	}
	if !verify(nil, fingerprint) {
		return nil, ErrSignatureInvalid
	}

	return &Result{H: H, SharedKey: fa}, nil
}
