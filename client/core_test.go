package client

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"hash"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/channel"
	"blitter.com/go/xssh/cipherengine"
	"blitter.com/go/xssh/kex"
	"blitter.com/go/xssh/macengine"
	"blitter.com/go/xssh/packet"
	"blitter.com/go/xssh/wire"
)

func TestNewRequiresHostKeyVerifier(t *testing.T) {
	_, err := New(&Config{})
	require.ErrorIs(t, err, ErrNilHostKeyVerifier)
}

func TestIdentificationLineTooLongIsFatal(t *testing.T) {
	var toServer, toClient []byte
	send := func(_ context.Context, b []byte) (int, bool) {
		toServer = append(toServer, b...)
		return len(b), true
	}
	recv := func(_ context.Context, buf []byte) (int, bool) {
		if len(toClient) == 0 {
			return 0, true
		}
		n := copy(buf, toClient)
		toClient = toClient[n:]
		return n, true
	}
	cfg := &Config{Send: send, Recv: recv, HostKeyVerifier: InsecureAcceptAnyHostKey}
	core, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, core.Connect(ctx))

	toClient = append(toClient, bytes.Repeat([]byte("x"), 300)...)
	toClient = append(toClient, '\n')

	err = core.PollOnce(ctx)
	require.Error(t, err)
	require.Equal(t, StateDisconnected, core.State())
}

func TestIdentificationScanStoresServerIdent(t *testing.T) {
	var toClient []byte
	send := func(_ context.Context, b []byte) (int, bool) { return len(b), true }
	recv := func(_ context.Context, buf []byte) (int, bool) {
		if len(toClient) == 0 {
			return 0, true
		}
		n := copy(buf, toClient)
		toClient = toClient[n:]
		return n, true
	}
	cfg := &Config{Send: send, Recv: recv, HostKeyVerifier: InsecureAcceptAnyHostKey}
	core, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, core.Connect(ctx))

	// bytes strictly after the LF belong to the binary packet stream
	toClient = append(toClient, []byte("SSH-2.0-OpenSSH_9\r\n\x00\x00")...)
	require.NoError(t, core.PollOnce(ctx))

	require.Equal(t, []byte("SSH-2.0-OpenSSH_9"), core.serverIdent)
	require.Equal(t, StageSentClientKexInit, core.Stage()) // KEXINIT queued right after ReceivedServerId
}

func TestIdentificationMissingCRIsTolerated(t *testing.T) {
	var toClient []byte
	var warned bool
	send := func(_ context.Context, b []byte) (int, bool) { return len(b), true }
	recv := func(_ context.Context, buf []byte) (int, bool) {
		if len(toClient) == 0 {
			return 0, true
		}
		n := copy(buf, toClient)
		toClient = toClient[n:]
		return n, true
	}
	cfg := &Config{
		Send: send, Recv: recv,
		HostKeyVerifier: InsecureAcceptAnyHostKey,
		LogLevel:        LogWarn,
		OnLog: func(line string, level LogLevel) {
			if level == LogWarn {
				warned = true
			}
		},
	}
	core, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, core.Connect(ctx))

	toClient = append(toClient, []byte("SSH-2.0-bare\n")...)
	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, []byte("SSH-2.0-bare"), core.serverIdent)
	require.True(t, warned)
}

type capturedEvent struct {
	id   uint32
	kind ChannelEventKind
	data []byte
}

// fakeServer plays the peer side of a handshake directly against the same
// wire/packet/cipherengine/macengine/kex packages the client uses, so the
// two sides derive identical key material without a second implementation
// of the cryptography.
type fakeServer struct {
	store *packet.Store

	priv        *rsa.PrivateKey
	hostKeyBlob []byte

	serverIdent []byte
	clientIdent []byte

	serverKexInit []byte
	clientKexInit []byte

	pendingOutCipher cipherengine.Engine
	pendingOutMac    macengine.Engine
	pendingInCipher  cipherengine.Engine
	pendingInMac     macengine.Engine

	remoteChannelLocalID uint32
	serverChannelID      uint32

	lastUnimplemented []byte
}

func newFakeServer(t *testing.T) *fakeServer {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &fakeServer{
		store:       packet.NewStore(),
		priv:        priv,
		hostKeyBlob: buildHostKeyBlob(&priv.PublicKey),
		serverIdent: []byte("SSH-2.0-testserver_1.0"),
	}
}

func (s *fakeServer) identLine() []byte {
	return append(append([]byte(nil), s.serverIdent...), '\r', '\n')
}

func (s *fakeServer) buildWrite(t *testing.T, payload []byte) []byte {
	pkt, err := s.store.BuildWrite(payload)
	require.NoError(t, err)
	return pkt.Bytes()
}

// process feeds newly arrived client bytes through the server's packet
// store and reacts to every complete packet it yields, returning the bytes
// to deliver back to the client.
func (s *fakeServer) process(t *testing.T, fromClient []byte) []byte {
	var out []byte
	s.store.Feed(fromClient)
	for {
		pkt, err := s.store.NextRead()
		if err != nil {
			require.ErrorIs(t, err, packet.ErrNeedMoreData)
			return out
		}
		payload := pkt.Payload()
		switch payload[0] {
		case msgKexinit:
			s.clientKexInit = append([]byte(nil), payload...)
			reply, err := kexinitPayload(&Config{})
			require.NoError(t, err)
			s.serverKexInit = reply
			out = append(out, s.buildWrite(t, reply)...)
		case msgKexdhInit:
			reply := s.handleKexdhInit(t, payload)
			out = append(out, s.buildWrite(t, reply)...)
			out = append(out, s.buildWrite(t, []byte{msgNewkeys})...)
			s.store.SetOutboundCipher(s.pendingOutCipher)
			s.store.SetOutboundMac(s.pendingOutMac)
		case msgNewkeys:
			s.store.SetInboundCipher(s.pendingInCipher)
			s.store.SetInboundMac(s.pendingInMac)
		case msgServiceRequest:
			out = append(out, s.buildWrite(t, s.serviceAcceptPayload())...)
		case msgUserauthRequest:
			out = append(out, s.buildWrite(t, s.userAuthReply(t, payload))...)
		case channel.MsgChannelOpen, channel.MsgChannelData, channel.MsgChannelClose:
			reply := s.handleChannelMsg(t, payload)
			if reply != nil {
				out = append(out, s.buildWrite(t, reply)...)
			}
		default:
			s.lastUnimplemented = append([]byte(nil), payload...)
		}
	}
}

func (s *fakeServer) handleKexdhInit(t *testing.T, payload []byte) []byte {
	buf := wire.NewBuffer(payload)
	_, err := buf.ReadByte()
	require.NoError(t, err)
	clientE, err := buf.ReadMPInt()
	require.NoError(t, err)

	p := kex.Group14P()
	g := kex.Group14G()
	y, err := rand.Int(rand.Reader, new(big.Int).Sub(p, big.NewInt(2)))
	require.NoError(t, err)
	y.Add(y, big.NewInt(1))
	f := new(big.Int).Exp(g, y, p)
	K := new(big.Int).Exp(clientE, y, p)

	h := sha1.New()
	hashStr(h, s.clientIdent)
	hashStr(h, s.serverIdent)
	hashStr(h, s.clientKexInit)
	hashStr(h, s.serverKexInit)
	hashStr(h, s.hostKeyBlob)
	hashStr(h, wire.NewMPInt(clientE).Bytes())
	hashStr(h, wire.NewMPInt(f).Bytes())
	hashStr(h, wire.NewMPInt(K).Bytes())
	H := h.Sum(nil)

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA1, H)
	require.NoError(t, err)
	sigBlob := buildSigBlobWire(sig)

	replyBuf := wire.NewBufferSize(1 + wire.StringSize(s.hostKeyBlob) + wire.MPIntSize(f) + wire.StringSize(sigBlob))
	require.NoError(t, replyBuf.WriteByte(msgKexdhReply))
	require.NoError(t, replyBuf.WriteString(s.hostKeyBlob))
	require.NoError(t, replyBuf.WriteBigInt(f))
	require.NoError(t, replyBuf.WriteString(sigBlob))

	derived := kex.DeriveKeys(K, H, H, 16, 16, 32)

	outCipher, ok := cipherengine.ByName("aes128-ctr")
	require.True(t, ok)
	require.NoError(t, outCipher.SetKeys(derived.EncServerToClient, derived.IVServerToClient))
	outMac, ok := macengine.ByName("hmac-sha2-256")
	require.True(t, ok)
	outMac.SetKey(derived.MacServerToClient)

	inCipher, ok := cipherengine.ByName("aes128-ctr")
	require.True(t, ok)
	require.NoError(t, inCipher.SetKeys(derived.EncClientToServer, derived.IVClientToServer))
	inMac, ok := macengine.ByName("hmac-sha2-256")
	require.True(t, ok)
	inMac.SetKey(derived.MacClientToServer)

	s.pendingOutCipher, s.pendingOutMac = outCipher, outMac
	s.pendingInCipher, s.pendingInMac = inCipher, inMac

	return replyBuf.Bytes()
}

func (s *fakeServer) serviceAcceptPayload() []byte {
	name := []byte("ssh-userauth")
	buf := wire.NewBufferSize(1 + wire.StringSize(name))
	_ = buf.WriteByte(msgServiceAccept)
	_ = buf.WriteString(name)
	return buf.Bytes()
}

func (s *fakeServer) userAuthReply(t *testing.T, payload []byte) []byte {
	buf := wire.NewBuffer(payload[1:])
	_, err := buf.ReadString() // username
	require.NoError(t, err)
	_, err = buf.ReadString() // service
	require.NoError(t, err)
	method, err := buf.ReadString()
	require.NoError(t, err)

	if string(method) == "password" {
		out := wire.NewBufferSize(1)
		_ = out.WriteByte(msgUserauthSuccess)
		return out.Bytes()
	}

	methods := []byte("password")
	out := wire.NewBufferSize(1 + wire.StringSize(methods) + 1)
	_ = out.WriteByte(msgUserauthFailure)
	_ = out.WriteString(methods)
	_ = out.WriteBool(false)
	return out.Bytes()
}

func (s *fakeServer) handleChannelMsg(t *testing.T, payload []byte) []byte {
	buf := wire.NewBuffer(payload[1:])
	switch payload[0] {
	case channel.MsgChannelOpen:
		_, err := buf.ReadString() // channel type
		require.NoError(t, err)
		senderID, err := buf.ReadUint32()
		require.NoError(t, err)
		_, err = buf.ReadUint32() // window
		require.NoError(t, err)
		_, err = buf.ReadUint32() // max packet
		require.NoError(t, err)

		s.remoteChannelLocalID = senderID
		s.serverChannelID = 4242

		out := wire.NewBufferSize(1 + 4 + 4 + 4 + 4)
		_ = out.WriteByte(channel.MsgChannelOpenConfirmation)
		_ = out.WriteUint32(senderID)
		_ = out.WriteUint32(s.serverChannelID)
		_ = out.WriteUint32(1 << 20)
		_ = out.WriteUint32(32*1024 - 1)
		return out.Bytes()
	case channel.MsgChannelData:
		_, err := buf.ReadUint32() // server's own channel id
		require.NoError(t, err)
		data, err := buf.ReadString()
		require.NoError(t, err)

		out := wire.NewBufferSize(1 + 4 + wire.StringSize(data))
		_ = out.WriteByte(channel.MsgChannelData)
		_ = out.WriteUint32(s.remoteChannelLocalID)
		_ = out.WriteString(data)
		return out.Bytes()
	case channel.MsgChannelClose:
		_, _ = buf.ReadUint32()
		out := wire.NewBufferSize(1 + 4)
		_ = out.WriteByte(channel.MsgChannelClose)
		_ = out.WriteUint32(s.remoteChannelLocalID)
		return out.Bytes()
	}
	return nil
}

func hashStr(h hash.Hash, b []byte) {
	var lenBuf [4]byte
	n := uint32(len(b))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	h.Write(lenBuf[:])
	h.Write(b)
}

func buildHostKeyBlob(pub *rsa.PublicKey) []byte {
	e := big.NewInt(int64(pub.E))
	buf := wire.NewBufferSize(wire.StringSize([]byte("ssh-rsa")) + wire.MPIntSize(e) + wire.MPIntSize(pub.N))
	_ = buf.WriteString([]byte("ssh-rsa"))
	_ = buf.WriteBigInt(e)
	_ = buf.WriteBigInt(pub.N)
	return buf.Bytes()
}

func buildSigBlobWire(sig []byte) []byte {
	buf := wire.NewBufferSize(wire.StringSize([]byte("ssh-rsa")) + wire.StringSize(sig))
	_ = buf.WriteString([]byte("ssh-rsa"))
	_ = buf.WriteString(sig)
	return buf.Bytes()
}

// TestFullHandshakeAuthChannelAndUnimplemented drives a complete connection
// end to end: identification, KEXINIT negotiation, DH group 14 exchange,
// the NEWKEYS cutover, service request, a none-then-password user-auth
// sequence, a full channel open/data/close cycle, and finally an
// unrecognized steady-state message answered with SSH_MSG_UNIMPLEMENTED
// rather than a disconnect.
func TestFullHandshakeAuthChannelAndUnimplemented(t *testing.T) {
	var toServer, toClient []byte
	send := func(_ context.Context, b []byte) (int, bool) {
		toServer = append(toServer, b...)
		return len(b), true
	}
	recv := func(_ context.Context, buf []byte) (int, bool) {
		if len(toClient) == 0 {
			return 0, true
		}
		n := copy(buf, toClient)
		toClient = toClient[n:]
		return n, true
	}

	var connected int
	var events []capturedEvent
	cfg := &Config{
		Hostname:    "testhost",
		Send:        send,
		Recv:        recv,
		Username:    "alice",
		AuthMethods: []AuthMethod{AuthPassword},
		OnAuth: func(_ context.Context, _ AuthMethod) ([]byte, error) {
			return []byte("s3cret"), nil
		},
		OnConnect: func() { connected++ },
		OnEvent: func(id uint32, kind ChannelEventKind, data []byte) {
			events = append(events, capturedEvent{id, kind, append([]byte(nil), data...)})
		},
		HostKeyVerifier: InsecureAcceptAnyHostKey,
	}

	core, err := New(cfg)
	require.NoError(t, err)

	srv := newFakeServer(t)
	srv.clientIdent = []byte("SSH-2.0-xssh_1.0")

	ctx := context.Background()
	require.NoError(t, core.Connect(ctx))
	require.Equal(t, StageSentClientId, core.Stage())

	toClient = append(toClient, srv.identLine()...)
	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StageSentClientKexInit, core.Stage())

	idx := bytes.IndexByte(toServer, '\n')
	require.GreaterOrEqual(t, idx, 0)
	toServer = toServer[idx+1:]

	out := srv.process(t, toServer)
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StageSentClientDhInit, core.Stage())

	out = srv.process(t, toServer)
	toServer = nil
	toClient = append(toClient, out...)

	// KEXDH_REPLY and the server's NEWKEYS arrive in one batch, so this
	// poll verifies the reply, queues our NEWKEYS, performs both engine
	// cutovers, and sends SERVICE_REQUEST under the new keys.
	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StageSentServiceRequest, core.Stage())

	out = srv.process(t, toServer) // client NEWKEYS + SERVICE_REQUEST
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StateAuthenticating, core.State())
	require.Equal(t, StageAttemptingUserAuth, core.Stage())

	out = srv.process(t, toServer) // "none" probe -> FAILURE advertising password
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StageAttemptingUserAuth, core.Stage()) // retried with password

	out = srv.process(t, toServer)
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StageUserLoggedIn, core.Stage())
	require.Equal(t, StateConnected, core.State())
	require.Equal(t, 1, connected)

	id, err := core.OpenChannel("session")
	require.NoError(t, err)
	require.NoError(t, core.PollOnce(ctx)) // flush CHANNEL_OPEN

	out = srv.process(t, toServer)
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Len(t, events, 1)
	require.Equal(t, ChannelOpened, events[0].kind)

	require.NoError(t, core.SendChannel(id, []byte("hello channel")))
	require.NoError(t, core.PollOnce(ctx)) // flush CHANNEL_DATA

	out = srv.process(t, toServer) // echoes the data back
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Len(t, events, 2)
	require.Equal(t, ChannelData, events[1].kind)
	require.Equal(t, []byte("hello channel"), events[1].data)

	require.NoError(t, core.CloseChannel(id))
	require.NoError(t, core.PollOnce(ctx)) // flush CHANNEL_CLOSE

	out = srv.process(t, toServer)
	toServer = nil
	toClient = append(toClient, out...)

	require.NoError(t, core.PollOnce(ctx))
	require.Len(t, events, 3)
	require.Equal(t, ChannelClosed, events[2].kind)

	expectedSeq := srv.store.OutSeq()
	bogus, err := srv.store.BuildWrite([]byte{222})
	require.NoError(t, err)
	toClient = append(toClient, bogus.Bytes()...)

	require.NoError(t, core.PollOnce(ctx))
	require.Equal(t, StateConnected, core.State()) // unrecognized message id is not fatal

	out = srv.process(t, toServer)
	toServer = nil
	require.Empty(t, out)
	require.NotNil(t, srv.lastUnimplemented)
	require.Equal(t, byte(msgUnimplemented), srv.lastUnimplemented[0])

	seqBuf := wire.NewBuffer(srv.lastUnimplemented[1:])
	gotSeq, err := seqBuf.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, expectedSeq, gotSeq)
}
