package kex

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/wire"
)

func fakeExchangeInput() ExchangeInput {
	return ExchangeInput{
		ClientIdent:   []byte("SSH-2.0-xssh_1.0"),
		ServerIdent:   []byte("SSH-2.0-OpenSSH_9.0"),
		ClientKexInit: []byte{20, 1, 2, 3},
		ServerKexInit: []byte{20, 4, 5, 6},
	}
}

func TestDHGroup14SHA1FullHandshake(t *testing.T) {
	client, err := NewDHGroup14SHA1()
	require.NoError(t, err)

	initPayload, err := client.InitPayload()
	require.NoError(t, err)
	require.Equal(t, byte(30), initPayload[0])

	// Server side, modeled inline: this test exercises only the
	// client-side Handler, so the peer's DH math is done directly
	// against the same group constants rather than via a second Handler.
	p := Group14P()
	g := Group14G()
	serverX, err := rand.Int(rand.Reader, p)
	require.NoError(t, err)
	serverF := new(big.Int).Exp(g, serverX, p)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hostKeyBlob := buildSSHRSABlob(&priv.PublicKey)

	in := fakeExchangeInput()

	buf := wire.NewBuffer(initPayload)
	_, err = buf.ReadByte()
	require.NoError(t, err)
	clientE, err := buf.ReadMPInt()
	require.NoError(t, err)

	K := new(big.Int).Exp(clientE, serverX, p)

	h := sha1.New()
	hashPrefixedString(h, in.ClientIdent)
	hashPrefixedString(h, in.ServerIdent)
	hashPrefixedString(h, in.ClientKexInit)
	hashPrefixedString(h, in.ServerKexInit)
	hashPrefixedString(h, hostKeyBlob)
	hashPrefixedString(h, wire.NewMPInt(clientE).Bytes())
	hashPrefixedString(h, wire.NewMPInt(serverF).Bytes())
	hashPrefixedString(h, wire.NewMPInt(K).Bytes())
	H := h.Sum(nil)

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, H)
	require.NoError(t, err)

	sigBlob := buildSigBlob(sig)
	replyBuf := wire.NewBufferSize(1 + wire.StringSize(hostKeyBlob) + wire.MPIntSize(serverF) + wire.StringSize(sigBlob))
	require.NoError(t, replyBuf.WriteByte(31))
	require.NoError(t, replyBuf.WriteString(hostKeyBlob))
	require.NoError(t, replyBuf.WriteBigInt(serverF))
	require.NoError(t, replyBuf.WriteString(sigBlob))

	result, err := client.HandleReply(replyBuf.Bytes(), in, AcceptAnyHostKey)
	require.NoError(t, err)
	require.Equal(t, H, result.H)
	require.Equal(t, 0, result.SharedKey.Cmp(K))
}

func TestDHGroup14SHA1RejectsBadSignature(t *testing.T) {
	client, err := NewDHGroup14SHA1()
	require.NoError(t, err)
	_, err = client.InitPayload()
	require.NoError(t, err)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hostKeyBlob := buildSSHRSABlob(&priv.PublicKey)

	p := Group14P()
	g := Group14G()
	serverX, err := rand.Int(rand.Reader, p)
	require.NoError(t, err)
	serverF := new(big.Int).Exp(g, serverX, p)

	badSig := make([]byte, 256)
	sigBlob := buildSigBlob(badSig)

	replyBuf := wire.NewBufferSize(1 + wire.StringSize(hostKeyBlob) + wire.MPIntSize(serverF) + wire.StringSize(sigBlob))
	require.NoError(t, replyBuf.WriteByte(31))
	require.NoError(t, replyBuf.WriteString(hostKeyBlob))
	require.NoError(t, replyBuf.WriteBigInt(serverF))
	require.NoError(t, replyBuf.WriteString(sigBlob))

	_, err = client.HandleReply(replyBuf.Bytes(), fakeExchangeInput(), AcceptAnyHostKey)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestDHGroup14SHA1RejectsOutOfRangeF(t *testing.T) {
	client, err := NewDHGroup14SHA1()
	require.NoError(t, err)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hostKeyBlob := buildSSHRSABlob(&priv.PublicKey)

	zero := big.NewInt(0)
	sig := make([]byte, 256)
	sigBlob := buildSigBlob(sig)

	replyBuf := wire.NewBufferSize(1 + wire.StringSize(hostKeyBlob) + wire.MPIntSize(zero) + wire.StringSize(sigBlob))
	require.NoError(t, replyBuf.WriteByte(31))
	require.NoError(t, replyBuf.WriteString(hostKeyBlob))
	require.NoError(t, replyBuf.WriteBigInt(zero))
	require.NoError(t, replyBuf.WriteString(sigBlob))

	_, err = client.HandleReply(replyBuf.Bytes(), fakeExchangeInput(), AcceptAnyHostKey)
	require.ErrorIs(t, err, ErrPublicValueOutOfRange)
}

func TestDeriveKeysIsDeterministicAndDistinctPerTag(t *testing.T) {
	K := big.NewInt(123456789)
	H := []byte("exchange-hash")
	sessionID := H

	r1 := DeriveKeys(K, H, sessionID, 16, 16, 32)
	r2 := DeriveKeys(K, H, sessionID, 16, 16, 32)

	require.Equal(t, r1.IVClientToServer, r2.IVClientToServer)
	require.NotEqual(t, r1.IVClientToServer, r1.IVServerToClient)
	require.NotEqual(t, r1.EncClientToServer, r1.MacClientToServer)
	require.Len(t, r1.EncClientToServer, 16)
	require.Len(t, r1.MacClientToServer, 32)
}

func TestHerraduraHandshakeRoundTrip(t *testing.T) {
	alice := NewHerradura()
	bob := NewHerradura()

	aliceInit, err := alice.InitPayload()
	require.NoError(t, err)
	bobInit, err := bob.InitPayload()
	require.NoError(t, err)

	bufA := wire.NewBuffer(aliceInit)
	_, _ = bufA.ReadByte()
	aliceD, err := bufA.ReadMPInt()
	require.NoError(t, err)

	bufB := wire.NewBuffer(bobInit)
	_, _ = bufB.ReadByte()
	bobD, err := bufB.ReadMPInt()
	require.NoError(t, err)

	replyToAlice := wire.NewBufferSize(1 + wire.MPIntSize(bobD))
	require.NoError(t, replyToAlice.WriteByte(31))
	require.NoError(t, replyToAlice.WriteBigInt(bobD))

	replyToBob := wire.NewBufferSize(1 + wire.MPIntSize(aliceD))
	require.NoError(t, replyToBob.WriteByte(31))
	require.NoError(t, replyToBob.WriteBigInt(aliceD))

	in := fakeExchangeInput()
	resA, err := alice.HandleReply(replyToAlice.Bytes(), in, AcceptAnyHostKey)
	require.NoError(t, err)
	resB, err := bob.HandleReply(replyToBob.Bytes(), in, AcceptAnyHostKey)
	require.NoError(t, err)

	require.NotNil(t, resA.SharedKey)
	require.NotNil(t, resB.SharedKey)
}

func buildSSHRSABlob(pub *rsa.PublicKey) []byte {
	e := big.NewInt(int64(pub.E))
	buf := wire.NewBufferSize(wire.StringSize([]byte("ssh-rsa")) + wire.MPIntSize(e) + wire.MPIntSize(pub.N))
	_ = buf.WriteString([]byte("ssh-rsa"))
	_ = buf.WriteBigInt(e)
	_ = buf.WriteBigInt(pub.N)
	return buf.Bytes()
}

func buildSigBlob(sig []byte) []byte {
	buf := wire.NewBufferSize(wire.StringSize([]byte("ssh-rsa")) + wire.StringSize(sig))
	_ = buf.WriteString([]byte("ssh-rsa"))
	_ = buf.WriteString(sig)
	return buf.Bytes()
}
