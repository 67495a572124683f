// Command xsshd-stub is a minimal server fixture for exercising
// client.Core end to end: it speaks the same identification/KEXINIT/DH
// group14/NEWKEYS/user-auth/channel sequence client.Core drives, over a
// real TCP or KCP listener, backed by a real pty-attached shell and
// password checking against auth.Store. Grounded on hkexshd/hkexshd.go's
// listen loop and runShellAs, and on client/core_test.go's fakeServer
// for the handshake math (both sides must derive identical key material
// from the same wire/packet/cipherengine/macengine/kex packages).
package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"log"
	"math/big"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/kr/pty"
	kcp "github.com/xtaci/kcp-go"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sys/unix"

	"blitter.com/go/goutmp"
	"blitter.com/go/xssh/auth"
	"blitter.com/go/xssh/channel"
	"blitter.com/go/xssh/client"
	"blitter.com/go/xssh/cipherengine"
	"blitter.com/go/xssh/kex"
	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/macengine"
	"blitter.com/go/xssh/packet"
	"blitter.com/go/xssh/wire"
)

// Transport/auth/connection message ids, restated here (rather than
// imported) because client/messages.go's constants are unexported and
// this is a separate package; values per messages.go.
const (
	msgDisconnect      = 1
	msgIgnore          = 2
	msgUnimplemented   = 3
	msgDebug           = 4
	msgServiceRequest  = 5
	msgServiceAccept   = 6
	msgKexinit         = 20
	msgNewkeys         = 21
	msgKexdhInit       = 30
	msgKexdhReply      = 31
	msgUserauthRequest = 50
	msgUserauthFailure = 51
	msgUserauthSuccess = 52
)

const identLineMax = 255

const maxAuthAttempts = 6

func main() {
	var laddr, proto, hostKeyPath, credPath string
	var dbg, useShadow bool

	flag.StringVar(&laddr, "l", ":2022", "interface[:port] to listen")
	flag.StringVar(&proto, "proto", "tcp", `transport ["tcp"|"kcp"]`)
	flag.StringVar(&hostKeyPath, "hostkey", "xsshd_host_rsa", "RSA host key PEM (generated if missing)")
	flag.StringVar(&credPath, "cred", "/etc/xssh.passwd", "password credential file")
	flag.BoolVar(&useShadow, "shadow", false, "check passwords against the system shadow file instead of -cred")
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.Parse()

	if err := logger.Init("xsshd-stub", true); err != nil {
		fmt.Fprintln(os.Stderr, "xsshd-stub: syslog unavailable, continuing without it:", err)
	}
	defer logger.Close() // nolint: errcheck
	if !dbg {
		log.SetOutput(ioutil.Discard)
	}

	priv, err := loadOrCreateHostKey(hostKeyPath)
	if err != nil {
		log.Fatal("host key: ", err)
	}
	hostKeyBlob := buildHostKeyBlob(&priv.PublicKey)

	credStore, err := auth.LoadCredentialFile(credPath)
	if err != nil {
		log.Fatal("credential file: ", err)
	}

	l, err := listen(proto, laddr)
	if err != nil {
		log.Fatal("listen: ", err)
	}
	defer l.Close() // nolint: errcheck

	log.Println("xsshd-stub serving on", laddr, "via", proto)
	for {
		conn, err := l.Accept()
		if err != nil {
			log.Println("accept:", err)
			continue
		}
		go func(c net.Conn) {
			defer c.Close() // nolint: errcheck
			defer func() {
				if r := recover(); r != nil {
					log.Println("session panic:", r)
				}
			}()
			s := newSession(c, priv, hostKeyBlob, credStore, useShadow)
			if err := s.run(); err != nil && !errors.Is(err, io.EOF) {
				log.Println("session ended:", err)
			}
		}(conn)
	}
}

func listen(proto, laddr string) (net.Listener, error) {
	switch proto {
	case "tcp":
		return net.Listen("tcp", laddr)
	case "kcp":
		key := pbkdf2.Key([]byte("xssh-demo-kcp-key"), []byte("xssh-demo-kcp-salt"), 1024, 32, sha1.New)
		block, err := kcp.NewAESBlockCrypt(key)
		if err != nil {
			return nil, err
		}
		return kcp.ListenWithOptions(laddr, block, 10, 3)
	default:
		return nil, fmt.Errorf("xsshd-stub: unknown transport %q", proto)
	}
}

// loadOrCreateHostKey reads a PEM-encoded RSA private key from path, or
// generates and persists a fresh 2048-bit one if the file doesn't
// exist. Nothing in the teacher or the rest of the pack offers a
// ready-made SSH host key loader, so this leans on crypto/x509's
// standard PKCS#1 codec rather than an ecosystem library.
func loadOrCreateHostKey(path string) (*rsa.PrivateKey, error) {
	data, err := ioutil.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("xsshd-stub: %s is not a PEM file", path)
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0700)
	}
	if err := ioutil.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, err
	}
	log.Println("generated new host key at", path)
	return priv, nil
}

// channelSession tracks the pty-backed shell attached to one open
// channel, keyed by the server's own channel id.
type channelSession struct {
	remoteID uint32
	ptmx     *os.File
	cmd      *exec.Cmd
	logout   func() // closes over goutmp's own utmp record handle
}

// session is one accepted connection's handshake and steady-state
// state, mirroring core_test.go's fakeServer but talking to a real
// net.Conn instead of in-memory byte slices, and driving a real pty
// instead of echoing.
type session struct {
	conn net.Conn
	priv *rsa.PrivateKey

	hostKeyBlob []byte
	credStore   *auth.Store
	useShadow   bool

	store *packet.Store

	serverIdent []byte
	clientIdent []byte

	serverKexInit []byte
	clientKexInit []byte

	pendingInCipher cipherengine.Engine
	pendingInMac    macengine.Engine

	username      string
	authenticated bool
	authAttempts  int

	writeMu  sync.Mutex
	chanMu   sync.Mutex
	channels map[uint32]*channelSession
	nextID   uint32
}

func newSession(conn net.Conn, priv *rsa.PrivateKey, hostKeyBlob []byte, credStore *auth.Store, useShadow bool) *session {
	return &session{
		conn:        conn,
		priv:        priv,
		hostKeyBlob: hostKeyBlob,
		credStore:   credStore,
		useShadow:   useShadow,
		store:       packet.NewStore(),
		serverIdent: []byte("SSH-2.0-xsshd_stub_1.0"),
		channels:    make(map[uint32]*channelSession),
		nextID:      4096,
	}
}

func (s *session) run() error {
	if _, err := s.conn.Write(append(append([]byte(nil), s.serverIdent...), '\r', '\n')); err != nil {
		return err
	}

	if err := s.readIdentLine(); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.store.Feed(buf[:n])
			for {
				pkt, err := s.store.NextRead()
				if err != nil {
					if errors.Is(err, packet.ErrNeedMoreData) {
						break
					}
					return err
				}
				if err := s.dispatch(pkt); err != nil {
					return err
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// readIdentLine scans raw (unencrypted) bytes off the connection until
// it sees the client's identification line, exactly mirroring the
// scanning rule client/core.go applies in the other direction.
func (s *session) readIdentLine() error {
	var acc []byte
	buf := make([]byte, 256)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if idx := indexByte(acc, '\n'); idx >= 0 {
				line := acc[:idx+1]
				if len(line) > identLineMax {
					return errors.New("xsshd-stub: client identification line too long")
				}
				trimmed := line[:len(line)-1]
				if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\r' {
					trimmed = trimmed[:len(trimmed)-1]
				}
				s.clientIdent = append([]byte(nil), trimmed...)
				rest := acc[idx+1:]
				if len(rest) > 0 {
					s.store.Feed(rest)
				}
				return s.sendServerKexInit()
			}
			if len(acc) > identLineMax {
				return errors.New("xsshd-stub: client identification line too long")
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (s *session) sendServerKexInit() error {
	payload, err := serverKexInitPayload()
	if err != nil {
		return err
	}
	s.serverKexInit = payload
	return s.writePacket(payload)
}

// serverKexInitPayload restates client/kexinit.go's kexinitPayload for
// the server side: same six name-lists and trailer, advertising every
// cipher/mac cipherengine/macengine know about rather than a client's
// configured subset.
func serverKexInitPayload() ([]byte, error) {
	kexNames := wire.NameList{}
	kexNames.Add("diffie-hellman-group14-sha1")

	hostKeyNames := wire.NameList{}
	hostKeyNames.Add("ssh-rsa")

	cipherNames := wire.NameList{}
	for _, n := range cipherengine.SupportedNames() {
		cipherNames.Add(n)
	}

	macNames := wire.NameList{}
	for _, n := range macengine.SupportedNames() {
		macNames.Add(n)
	}

	compressionNames := wire.NameList{}
	compressionNames.Add("none")

	languageNames := wire.NameList{}

	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return nil, err
	}

	size := 1 + 16 +
		wire.NameListSize(kexNames) +
		wire.NameListSize(hostKeyNames) +
		wire.NameListSize(cipherNames) + wire.NameListSize(cipherNames) +
		wire.NameListSize(macNames) + wire.NameListSize(macNames) +
		wire.NameListSize(compressionNames) + wire.NameListSize(compressionNames) +
		wire.NameListSize(languageNames) + wire.NameListSize(languageNames) +
		1 + 4

	buf := wire.NewBufferSize(size)
	if err := buf.WriteByte(msgKexinit); err != nil {
		return nil, err
	}
	if err := buf.WriteRaw(cookie); err != nil {
		return nil, err
	}
	for _, nl := range []wire.NameList{
		kexNames, hostKeyNames,
		cipherNames, cipherNames,
		macNames, macNames,
		compressionNames, compressionNames,
		languageNames, languageNames,
	} {
		if err := buf.WriteNameList(nl); err != nil {
			return nil, err
		}
	}
	if err := buf.WriteBool(false); err != nil {
		return nil, err
	}
	if err := buf.WriteUint32(0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *session) writePacket(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	pkt, err := s.store.BuildWrite(payload)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(pkt.Bytes())
	return err
}

func (s *session) dispatch(pkt *packet.Packet) error {
	payload := pkt.Payload()
	if len(payload) == 0 {
		return errors.New("xsshd-stub: empty payload")
	}
	switch payload[0] {
	case msgIgnore, msgDebug:
		return nil
	case msgDisconnect:
		return io.EOF
	case msgKexinit:
		s.clientKexInit = append([]byte(nil), payload...)
		return nil
	case msgKexdhInit:
		return s.handleKexdhInit(payload)
	case msgNewkeys:
		s.store.SetInboundCipher(s.pendingInCipher)
		s.store.SetInboundMac(s.pendingInMac)
		return nil
	case msgServiceRequest:
		return s.writePacket(serviceAcceptPayload())
	case msgUserauthRequest:
		return s.handleUserauth(payload)
	case channel.MsgChannelOpen:
		return s.handleChannelOpen(payload)
	case channel.MsgChannelData:
		return s.handleChannelData(payload)
	case channel.MsgChannelRequest:
		return s.handleChannelRequest(payload)
	case channel.MsgChannelClose:
		return s.handleChannelClose(payload)
	default:
		out := wire.NewBufferSize(1 + 4)
		_ = out.WriteByte(msgUnimplemented)
		_ = out.WriteUint32(pkt.Seq())
		return s.writePacket(out.Bytes())
	}
}

func (s *session) handleKexdhInit(payload []byte) error {
	buf := wire.NewBuffer(payload)
	if _, err := buf.ReadByte(); err != nil {
		return err
	}
	clientE, err := buf.ReadMPInt()
	if err != nil {
		return err
	}

	p := kex.Group14P()
	g := kex.Group14G()
	y, err := rand.Int(rand.Reader, new(big.Int).Sub(p, big.NewInt(2)))
	if err != nil {
		return err
	}
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
	if err != nil {
		return err
	}
	sigBlob := buildSigBlobWire(sig)

	replyBuf := wire.NewBufferSize(1 + wire.StringSize(s.hostKeyBlob) + wire.MPIntSize(f) + wire.StringSize(sigBlob))
	if err := replyBuf.WriteByte(msgKexdhReply); err != nil {
		return err
	}
	if err := replyBuf.WriteString(s.hostKeyBlob); err != nil {
		return err
	}
	if err := replyBuf.WriteBigInt(f); err != nil {
		return err
	}
	if err := replyBuf.WriteString(sigBlob); err != nil {
		return err
	}

	derived := kex.DeriveKeys(K, H, H, 16, 16, 32)

	outCipher, ok := cipherengine.ByName("aes128-ctr")
	if !ok {
		return errors.New("xsshd-stub: aes128-ctr unavailable")
	}
	if err := outCipher.SetKeys(derived.EncServerToClient, derived.IVServerToClient); err != nil {
		return err
	}
	outMac, ok := macengine.ByName("hmac-sha2-256")
	if !ok {
		return errors.New("xsshd-stub: hmac-sha2-256 unavailable")
	}
	outMac.SetKey(derived.MacServerToClient)

	inCipher, ok := cipherengine.ByName("aes128-ctr")
	if !ok {
		return errors.New("xsshd-stub: aes128-ctr unavailable")
	}
	if err := inCipher.SetKeys(derived.EncClientToServer, derived.IVClientToServer); err != nil {
		return err
	}
	inMac, ok := macengine.ByName("hmac-sha2-256")
	if !ok {
		return errors.New("xsshd-stub: hmac-sha2-256 unavailable")
	}
	inMac.SetKey(derived.MacClientToServer)

	s.pendingInCipher, s.pendingInMac = inCipher, inMac

	if err := s.writePacket(replyBuf.Bytes()); err != nil {
		return err
	}
	if err := s.writePacket([]byte{msgNewkeys}); err != nil {
		return err
	}
	s.store.SetOutboundCipher(outCipher)
	s.store.SetOutboundMac(outMac)
	return nil
}

func serviceAcceptPayload() []byte {
	name := []byte("ssh-userauth")
	buf := wire.NewBufferSize(1 + wire.StringSize(name))
	_ = buf.WriteByte(msgServiceAccept)
	_ = buf.WriteString(name)
	return buf.Bytes()
}

func (s *session) handleUserauth(payload []byte) error {
	buf := wire.NewBuffer(payload[1:])
	username, err := buf.ReadString()
	if err != nil {
		return err
	}
	if _, err := buf.ReadString(); err != nil { // service name
		return err
	}
	method, err := buf.ReadString()
	if err != nil {
		return err
	}

	if string(method) == "password" {
		if _, err := buf.ReadBool(); err != nil { // FALSE
			return err
		}
		password, err := buf.ReadString()
		if err != nil {
			return err
		}
		s.authAttempts++
		if s.checkPassword(string(username), string(password)) {
			s.username = string(username)
			s.authenticated = true
			logger.Emit(fmt.Sprintf("password login for %s from %s", s.username, s.conn.RemoteAddr()), client.LogInfo)
			out := wire.NewBufferSize(1)
			_ = out.WriteByte(msgUserauthSuccess)
			return s.writePacket(out.Bytes())
		}
		if s.authAttempts >= maxAuthAttempts {
			return errors.New("xsshd-stub: too many failed auth attempts")
		}
	}

	methods := []byte("password")
	out := wire.NewBufferSize(1 + wire.StringSize(methods) + 1)
	_ = out.WriteByte(msgUserauthFailure)
	_ = out.WriteString(methods)
	_ = out.WriteBool(false)
	return s.writePacket(out.Bytes())
}

// checkPassword consults either the xssh credential file or, with
// -shadow, the system shadow database via auth.VerifySystemPass.
func (s *session) checkPassword(username, password string) bool {
	if s.useShadow {
		ok, err := auth.VerifySystemPass(username, password)
		if err != nil {
			log.Println("shadow auth:", err)
			return false
		}
		return ok
	}
	return s.credStore.VerifyCredential(username, password)
}

func (s *session) handleChannelOpen(payload []byte) error {
	buf := wire.NewBuffer(payload[1:])
	chanType, err := buf.ReadString()
	if err != nil {
		return err
	}
	remoteID, err := buf.ReadUint32()
	if err != nil {
		return err
	}
	if _, err := buf.ReadUint32(); err != nil { // window
		return err
	}
	if _, err := buf.ReadUint32(); err != nil { // max packet
		return err
	}

	if !s.authenticated || string(chanType) != "session" {
		out := wire.NewBufferSize(1 + 4 + 4 + wire.StringSize(nil) + wire.StringSize(nil))
		_ = out.WriteByte(channel.MsgChannelOpenFailure)
		_ = out.WriteUint32(remoteID)
		_ = out.WriteUint32(1) // SSH_OPEN_ADMINISTRATIVELY_PROHIBITED
		_ = out.WriteString(nil)
		_ = out.WriteString(nil)
		return s.writePacket(out.Bytes())
	}

	cs, err := s.startShell(remoteID)
	if err != nil {
		log.Println("start shell:", err)
		out := wire.NewBufferSize(1 + 4 + 4 + wire.StringSize(nil) + wire.StringSize(nil))
		_ = out.WriteByte(channel.MsgChannelOpenFailure)
		_ = out.WriteUint32(remoteID)
		_ = out.WriteUint32(2) // SSH_OPEN_CONNECT_FAILED
		_ = out.WriteString(nil)
		_ = out.WriteString(nil)
		return s.writePacket(out.Bytes())
	}

	s.chanMu.Lock()
	id := s.nextID
	s.nextID++
	s.channels[id] = cs
	s.chanMu.Unlock()

	out := wire.NewBufferSize(1 + 4 + 4 + 4 + 4)
	_ = out.WriteByte(channel.MsgChannelOpenConfirmation)
	_ = out.WriteUint32(remoteID)
	_ = out.WriteUint32(id)
	_ = out.WriteUint32(1 << 20)
	_ = out.WriteUint32(32*1024 - 1)
	if err := s.writePacket(out.Bytes()); err != nil {
		return err
	}

	go s.pumpShellOutput(id, cs)
	return nil
}

// startShell launches an interactive login shell for s.username under a
// real pty, grounded on hkexshd.go's runShellAs (condensed: no terminal
// type/window-resize plumbing, since the channel protocol here carries
// none).
func (s *session) startShell(remoteID uint32) (*channelSession, error) {
	u, err := user.Lookup(s.username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}

	c := exec.Command("/bin/bash", "-i", "-l") // nolint: gosec
	c.Dir = u.HomeDir
	c.Env = []string{"HOME=" + u.HomeDir, "TERM=xterm", "LOGNAME=" + s.username}
	c.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}}

	ptmx, err := pty.Start(c)
	if err != nil {
		return nil, err
	}

	pts, err := ptsName(ptmx.Fd())
	if err != nil {
		_ = ptmx.Close()
		return nil, err
	}
	peerHost := goutmp.GetHost(s.conn.RemoteAddr().String())
	utmpx := goutmp.Put_utmp(s.username, pts, peerHost)
	goutmp.Put_lastlog_entry("xsshd-stub", s.username, pts, peerHost)

	return &channelSession{
		remoteID: remoteID,
		ptmx:     ptmx,
		cmd:      c,
		logout:   func() { goutmp.Unput_utmp(utmpx) },
	}, nil
}

// pumpShellOutput copies the pty's output into CHANNEL_DATA packets
// until the shell exits or the pty errors out, then tears the channel
// down from the server's side.
func (s *session) pumpShellOutput(id uint32, cs *channelSession) {
	buf := make([]byte, 4096)
	for {
		n, err := cs.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			out := wire.NewBufferSize(1 + 4 + wire.StringSize(chunk))
			_ = out.WriteByte(channel.MsgChannelData)
			_ = out.WriteUint32(cs.remoteID)
			_ = out.WriteString(chunk)
			if werr := s.writePacket(out.Bytes()); werr != nil {
				log.Println("pty->client write failed:", werr)
				break
			}
		}
		if err != nil {
			break
		}
	}
	s.closeChannel(id, cs)
}

func (s *session) handleChannelData(payload []byte) error {
	buf := wire.NewBuffer(payload[1:])
	id, err := buf.ReadUint32()
	if err != nil {
		return err
	}
	data, err := buf.ReadString()
	if err != nil {
		return err
	}

	s.chanMu.Lock()
	cs, ok := s.channels[id]
	s.chanMu.Unlock()
	if !ok {
		return nil
	}
	_, err = cs.ptmx.Write(data)
	return err
}

// handleChannelRequest acknowledges the session-channel requests an
// interactive client sends; the shell is already attached to the pty at
// open time, so pty-req/shell/env need no further action here.
func (s *session) handleChannelRequest(payload []byte) error {
	buf := wire.NewBuffer(payload[1:])
	id, err := buf.ReadUint32()
	if err != nil {
		return err
	}
	reqType, err := buf.ReadString()
	if err != nil {
		return err
	}
	wantReply, err := buf.ReadBool()
	if err != nil {
		return err
	}
	if !wantReply {
		return nil
	}
	s.chanMu.Lock()
	cs, ok := s.channels[id]
	s.chanMu.Unlock()
	if !ok {
		return nil
	}
	msg := byte(channel.MsgChannelFailure)
	switch string(reqType) {
	case "pty-req", "shell", "env", "exec":
		msg = byte(channel.MsgChannelSuccess)
	}
	out := wire.NewBufferSize(1 + 4)
	_ = out.WriteByte(msg)
	_ = out.WriteUint32(cs.remoteID)
	return s.writePacket(out.Bytes())
}

func (s *session) handleChannelClose(payload []byte) error {
	buf := wire.NewBuffer(payload[1:])
	id, err := buf.ReadUint32()
	if err != nil {
		return err
	}
	s.chanMu.Lock()
	cs, ok := s.channels[id]
	s.chanMu.Unlock()
	if !ok {
		return nil
	}
	s.closeChannel(id, cs)
	return nil
}

func (s *session) closeChannel(id uint32, cs *channelSession) {
	s.chanMu.Lock()
	if _, ok := s.channels[id]; !ok {
		s.chanMu.Unlock()
		return
	}
	delete(s.channels, id)
	s.chanMu.Unlock()

	_ = cs.ptmx.Close()
	_ = cs.cmd.Wait()
	cs.logout()
	logger.Emit("session channel closed for "+s.username, client.LogInfo)

	out := wire.NewBufferSize(1 + 4)
	_ = out.WriteByte(channel.MsgChannelClose)
	_ = out.WriteUint32(cs.remoteID)
	_ = s.writePacket(out.Bytes())
}

// ptsName resolves the pty slave device path for login accounting.
func ptsName(fd uintptr) (string, error) {
	n, err := unix.IoctlGetInt(int(fd), unix.TIOCGPTN)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/dev/pts/%d", n), nil
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
