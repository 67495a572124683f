// Package client implements ConnectionCore (spec.md §4.10): the
// client-side Transport/User-Auth/Connection state machine driving
// identification exchange, algorithm negotiation, key exchange,
// user authentication, and steady-state channel traffic over a
// caller-supplied byte transport.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"blitter.com/go/xssh/channel"
	"blitter.com/go/xssh/cipherengine"
	"blitter.com/go/xssh/kex"
	"blitter.com/go/xssh/macengine"
	"blitter.com/go/xssh/packet"
	"blitter.com/go/xssh/secret"
	"blitter.com/go/xssh/wire"
)

// State is the connection-level state (spec.md §4.10).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnected
)

// Stage is the protocol-step state, orthogonal to State (spec.md §4.10).
type Stage int

const (
	StageNull Stage = iota
	StageSentClientId
	StageReceivedServerId
	StageSentClientKexInit
	StageReceivedServerKexInit
	StageSentClientDhInit
	StageReceivedServerDhReply
	StageReceivedNewKeys
	StageSentNewKeys
	StageSentServiceRequest
	StageReceivedServiceAccept
	StageAttemptingUserAuth
	StageUserLoggedIn
)

const identLineMax = 255 // spec.md §4.10.1

// Core is the opaque connection handle: all mutable state lives behind
// it, exposing only the documented operations (spec.md §9 "hiding
// implementation" design note).
type Core struct {
	cfg *Config

	mu    sync.Mutex
	state State
	stage Stage

	recvAccum []byte // raw bytes not yet consumed by the ident scanner / packet reader
	identDone bool

	clientIdent []byte
	serverIdent []byte

	ourLists      *ourLists
	clientKexInit []byte
	serverKexInit []byte
	negotiated    *negotiatedAlgorithms
	kexHandler    kex.Handler

	sessionID []byte // latched on first exchange, never modified thereafter

	store    *packet.Store
	channels *channel.Manager

	// pendingInboundCipher/pendingInboundMac hold the freshly derived
	// inbound engines between queuing our own NEWKEYS and observing the
	// peer's, per the NEWKEYS cutover timing in spec.md §4.10.3.
	pendingInboundCipher cipherengine.Engine
	pendingInboundMac    macengine.Engine

	outQueue [][]byte // finalized bytes awaiting transport write

	authIdx int

	disconnectErr error
}

var (
	// ErrNilHostKeyVerifier is returned by New when Config.HostKeyVerifier
	// is nil (SPEC_FULL.md §4 Open Question resolution #1).
	ErrNilHostKeyVerifier = errors.New("client: Config.HostKeyVerifier must not be nil")
	errAlreadyConnected   = errors.New("client: already connected")
)

// New validates cfg and returns a fresh, unconnected Core.
func New(cfg *Config) (*Core, error) {
	if cfg.HostKeyVerifier == nil {
		return nil, ErrNilHostKeyVerifier
	}
	return &Core{
		cfg:      cfg,
		state:    StateIdle,
		stage:    StageNull,
		store:    packet.NewStore(),
		channels: channel.NewManager(),
	}, nil
}

// State returns the current connection-level state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stage returns the current protocol stage.
func (c *Core) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Connect sends the client's identification line and transitions to
// SentClientId (spec.md §4.10.1). The caller drives further progress by
// calling PollOnce repeatedly.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return errAlreadyConnected
	}
	c.clientIdent = []byte("SSH-2.0-" + c.cfg.softwareVersionOrDefault())
	line := append(append([]byte(nil), c.clientIdent...), '\r', '\n')
	c.state = StateConnecting
	c.stage = StageSentClientId
	c.outQueue = append(c.outQueue, line)
	return c.drainOutboundLocked(ctx)
}

// Disconnect sets State = Disconnected; PollOnce observes this at its
// next iteration, drops pending queues, and stops (spec.md §5
// cancellation discipline).
func (c *Core) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.outQueue = nil
}

// OpenChannel opens a new session-type channel and queues its
// CHANNEL_OPEN packet for the next PollOnce to flush.
func (c *Core) OpenChannel(channelType string) (localID uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink := func(id uint32, ev channel.Event) { c.deliverChannelEvent(id, ev) }
	id, payload, err := c.channels.Open(channelType, sink)
	if err != nil {
		return 0, err
	}
	if err := c.queuePacketLocked(payload); err != nil {
		return 0, err
	}
	return id, nil
}

// SendChannel chunks payload against the channel's remote window and
// queues the resulting CHANNEL_DATA packets, or returns ErrWouldBlock
// immediately if the window is exhausted (spec.md §4.9/§9 resolution
// #4: never blocks the caller).
func (c *Core) SendChannel(localID uint32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chunks, err := c.channels.Send(localID, payload)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownChannel) {
			return newProtoErr(KindChannelNotFound, err)
		}
		if errors.Is(err, channel.ErrWouldBlock) {
			return newProtoErr(KindWouldBlock, err)
		}
		return err
	}
	for _, chunk := range chunks {
		if err := c.queuePacketLocked(chunk); err != nil {
			return err
		}
	}
	return nil
}

// RequestChannel queues a CHANNEL_REQUEST (pty-req / shell / exec ...)
// for localID, which must be Open.
func (c *Core) RequestChannel(localID uint32, requestType string, wantReply bool, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, err := c.channels.Request(localID, requestType, wantReply, data)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownChannel) {
			return newProtoErr(KindChannelNotFound, err)
		}
		return err
	}
	return c.queuePacketLocked(payload)
}

// CloseChannel queues CHANNEL_CLOSE for localID.
func (c *Core) CloseChannel(localID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, err := c.channels.Close(localID)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownChannel) {
			return newProtoErr(KindChannelNotFound, err)
		}
		return err
	}
	return c.queuePacketLocked(payload)
}

func (c *Core) deliverChannelEvent(id uint32, ev channel.Event) {
	if c.cfg.OnEvent == nil {
		return
	}
	switch ev.Kind {
	case channel.EventOpened:
		c.cfg.OnEvent(id, ChannelOpened, nil)
	case channel.EventData, channel.EventExtendedData:
		c.cfg.OnEvent(id, ChannelData, ev.Data)
	case channel.EventClosed:
		c.cfg.OnEvent(id, ChannelClosed, nil)
	}
}

// queuePacketLocked finalizes payload through the outbound packet store
// and appends the wire bytes to outQueue. Caller must hold mu.
func (c *Core) queuePacketLocked(payload []byte) error {
	pkt, err := c.store.BuildWrite(payload)
	if err != nil {
		return err
	}
	c.outQueue = append(c.outQueue, pkt.Bytes())
	return nil
}

// PollOnce drives one iteration of the cooperative worker loop (spec.md
// §4.10.7/§9): drain outbound, read available inbound bytes, parse and
// dispatch whatever packets that yields. Exposed for deterministic
// testing; callers normally call it in a loop.
func (c *Core) PollOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return nil
	}

	if err := c.drainOutboundLocked(ctx); err != nil {
		return c.fatalLocked(err)
	}
	if c.state == StateDisconnected {
		return nil
	}

	buf := make([]byte, 4096)
	n, ok := c.cfg.Recv(ctx, buf)
	if !ok {
		return c.fatalLocked(newProtoErr(KindTransportError, nil))
	}
	if n == 0 {
		return nil
	}
	c.recvAccum = append(c.recvAccum, buf[:n]...)

	if !c.identDone {
		if err := c.consumeIdentificationLocked(); err != nil {
			return c.fatalLocked(err)
		}
		if err := c.drainOutboundLocked(ctx); err != nil {
			return c.fatalLocked(err)
		}
	}
	if !c.identDone {
		return nil
	}

	if len(c.recvAccum) > 0 {
		c.store.Feed(c.recvAccum)
		c.recvAccum = nil
	}

	for {
		pkt, err := c.store.NextRead()
		if err != nil {
			if errors.Is(err, packet.ErrNeedMoreData) {
				return nil
			}
			if errors.Is(err, packet.ErrMacMismatch) {
				return c.fatalLocked(newProtoErr(KindMacMismatch, err))
			}
			return c.fatalLocked(newProtoErr(KindMalformedPacket, err))
		}
		if err := c.dispatchLocked(ctx, pkt); err != nil {
			return c.fatalLocked(err)
		}
		if c.state == StateDisconnected {
			return nil
		}
		if err := c.drainOutboundLocked(ctx); err != nil {
			return c.fatalLocked(err)
		}
	}
}

func (c *Core) fatalLocked(err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) && !perr.Kind.Fatal() {
		return err
	}
	c.state = StateDisconnected
	c.outQueue = nil
	c.disconnectErr = err
	c.cfg.logf(LogError, "fatal: %v", err)
	return err
}

func (c *Core) drainOutboundLocked(ctx context.Context) error {
	for len(c.outQueue) > 0 {
		next := c.outQueue[0]
		n, ok := c.cfg.Send(ctx, next)
		if !ok {
			return newProtoErr(KindTransportError, nil)
		}
		if n == 0 {
			return nil // try again next poll
		}
		if n < len(next) {
			c.outQueue[0] = next[n:]
			return nil
		}
		c.outQueue = c.outQueue[1:]
	}
	return nil
}

// consumeIdentificationLocked scans recvAccum for the server's
// identification line (spec.md §4.10.1): incoming bytes during
// SentClientId are scanned for LF; bytes strictly after it are binary
// packet input. Lines over 255 bytes (incl CRLF) are rejected; a
// missing CR before LF is tolerated with a log warning.
func (c *Core) consumeIdentificationLocked() error {
	idx := bytes.IndexByte(c.recvAccum, '\n')
	if idx < 0 {
		if len(c.recvAccum) > identLineMax {
			return newProtoErr(KindMalformedIdentification, errors.New("identification line too long"))
		}
		return nil
	}
	line := c.recvAccum[:idx+1]
	rest := c.recvAccum[idx+1:]
	if len(line) > identLineMax {
		return newProtoErr(KindMalformedIdentification, errors.New("identification line too long"))
	}
	trimmed := line[:len(line)-1] // drop LF
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\r' {
		trimmed = trimmed[:len(trimmed)-1]
	} else {
		c.cfg.logf(LogWarn, "server identification missing CR before LF")
	}
	c.serverIdent = append([]byte(nil), trimmed...)
	c.recvAccum = append([]byte(nil), rest...)
	c.stage = StageReceivedServerId
	c.identDone = true

	return c.sendClientKexInitLocked()
}

func (c *Core) sendClientKexInitLocked() error {
	c.ourLists = buildOurLists(c.cfg)
	payload, err := kexinitPayload(c.cfg)
	if err != nil {
		return err
	}
	c.clientKexInit = payload
	if err := c.queuePacketLocked(payload); err != nil {
		return err
	}
	c.stage = StageSentClientKexInit
	return nil
}

// dispatchLocked routes one parsed inbound packet according to the
// current stage (spec.md §4.10: "inbound events are routed by Stage
// first").
func (c *Core) dispatchLocked(ctx context.Context, pkt *packet.Packet) error {
	payload := pkt.Payload()
	if len(payload) == 0 {
		return newProtoErr(KindMalformedPacket, errors.New("empty payload"))
	}
	msgID := payload[0]

	// IGNORE/DEBUG are accepted at every stage (SPEC_FULL.md §3).
	if msgID == msgIgnore || msgID == msgDebug {
		return nil
	}
	if msgID == msgDisconnect {
		c.state = StateDisconnected
		c.outQueue = nil
		return nil
	}

	switch c.stage {
	case StageSentClientKexInit:
		if msgID != msgKexinit {
			return newProtoErr(KindUnexpectedMessage, nil)
		}
		return c.handleServerKexInitLocked(payload)
	case StageSentClientDhInit:
		if msgID != msgKexdhReply {
			return newProtoErr(KindUnexpectedMessage, nil)
		}
		return c.handleKexdhReplyLocked(payload)
	case StageSentNewKeys:
		if msgID != msgNewkeys {
			return newProtoErr(KindUnexpectedMessage, nil)
		}
		return c.handleNewKeysLocked(ctx)
	case StageSentServiceRequest:
		if msgID != msgServiceAccept {
			return newProtoErr(KindUnexpectedMessage, nil)
		}
		c.stage = StageReceivedServiceAccept
		c.state = StateAuthenticating
		return c.sendNextAuthMethodLocked()
	case StageAttemptingUserAuth:
		return c.handleUserAuthReplyLocked(payload)
	case StageUserLoggedIn:
		return c.handleSteadyStateLocked(pkt, payload)
	default:
		return newProtoErr(KindUnexpectedMessage, nil)
	}
}

func (c *Core) handleServerKexInitLocked(payload []byte) error {
	c.serverKexInit = append([]byte(nil), payload...)
	parsed, err := parseKexinit(payload)
	if err != nil {
		return newProtoErr(KindMalformedPacket, err)
	}
	c.stage = StageReceivedServerKexInit

	negotiated, err := negotiate(c.ourLists, parsed)
	if err != nil {
		return newProtoErr(KindNegotiationFailed, err)
	}
	c.negotiated = negotiated

	handler, err := newKexHandler(negotiated.kex)
	if err != nil {
		return err
	}
	c.kexHandler = handler

	initPayload, err := handler.InitPayload()
	if err != nil {
		return err
	}
	if err := c.queuePacketLocked(initPayload); err != nil {
		return err
	}
	c.stage = StageSentClientDhInit
	return nil
}

func (c *Core) handleKexdhReplyLocked(payload []byte) error {
	in := kex.ExchangeInput{
		ClientIdent:   c.clientIdent,
		ServerIdent:   c.serverIdent,
		ClientKexInit: c.clientKexInit,
		ServerKexInit: c.serverKexInit,
	}
	verifier := func(hostKeyBlob []byte, fingerprint [20]byte) bool {
		fpHex := hex.EncodeToString(fingerprint[:])
		return c.cfg.HostKeyVerifier(c.cfg.Hostname, hostKeyBlob, fpHex)
	}
	result, err := c.kexHandler.HandleReply(payload, in, verifier)
	if err != nil {
		switch {
		case errors.Is(err, kex.ErrSignatureInvalid):
			return newProtoErr(KindHostKeyRejected, err)
		case errors.Is(err, kex.ErrPublicValueOutOfRange), errors.Is(err, kex.ErrWeakSharedSecret):
			return newProtoErr(KindNegotiationFailed, err)
		default:
			return newProtoErr(KindMalformedPacket, err)
		}
	}
	c.stage = StageReceivedServerDhReply

	sessionID := c.sessionID
	if sessionID == nil {
		sessionID = result.H
	}

	ivLen := 16   // aes128-ctr block size
	encLen := 16  // aes128-ctr key size
	macLen := 32  // hmac-sha2-256 output length
	derived := kex.DeriveKeys(result.SharedKey, result.H, sessionID, ivLen, encLen, macLen)
	if c.sessionID == nil {
		c.sessionID = append([]byte(nil), derived.H...)
	}

	outCipher, ok := cipherengine.ByName(c.negotiated.cipherC2S)
	if !ok {
		return newProtoErr(KindNegotiationFailed, nil)
	}
	if err := outCipher.SetKeys(derived.EncClientToServer, derived.IVClientToServer); err != nil {
		return err
	}
	outMac, ok := macengine.ByName(c.negotiated.macC2S)
	if !ok {
		return newProtoErr(KindNegotiationFailed, nil)
	}
	outMac.SetKey(derived.MacClientToServer)

	inCipher, ok := cipherengine.ByName(c.negotiated.cipherS2C)
	if !ok {
		return newProtoErr(KindNegotiationFailed, nil)
	}
	if err := inCipher.SetKeys(derived.EncServerToClient, derived.IVServerToClient); err != nil {
		return err
	}
	inMac, ok := macengine.ByName(c.negotiated.macS2C)
	if !ok {
		return newProtoErr(KindNegotiationFailed, nil)
	}
	inMac.SetKey(derived.MacServerToClient)

	// The engines copied what they need; wipe the derived schedule.
	for _, k := range [][]byte{
		derived.IVClientToServer, derived.IVServerToClient,
		derived.EncClientToServer, derived.EncServerToClient,
		derived.MacClientToServer, derived.MacServerToClient,
	} {
		secret.New(k).Destroy()
	}

	newKeysPayload := []byte{msgNewkeys}
	if err := c.queuePacketLocked(newKeysPayload); err != nil {
		return err
	}
	// Swap outbound engines immediately after queuing our own NEWKEYS
	// (spec.md §4.10.3 step 2); the packet just queued above was built
	// with the OLD engines since queuePacketLocked already finalized it.
	c.store.SetOutboundCipher(outCipher)
	c.store.SetOutboundMac(outMac)

	c.pendingInboundCipher = inCipher
	c.pendingInboundMac = inMac

	c.stage = StageSentNewKeys
	return nil
}

func (c *Core) handleNewKeysLocked(ctx context.Context) error {
	c.store.SetInboundCipher(c.pendingInboundCipher)
	c.store.SetInboundMac(c.pendingInboundMac)
	c.pendingInboundCipher = nil
	c.pendingInboundMac = nil
	c.stage = StageReceivedNewKeys

	servicePayload := serviceRequestPayload()
	if err := c.queuePacketLocked(servicePayload); err != nil {
		return err
	}
	c.stage = StageSentServiceRequest
	return nil
}

func serviceRequestPayload() []byte {
	name := []byte("ssh-userauth")
	buf := wire.NewBufferSize(1 + wire.StringSize(name))
	_ = buf.WriteByte(msgServiceRequest)
	_ = buf.WriteString(name)
	return buf.Bytes()
}

func (c *Core) sendNextAuthMethodLocked() error {
	if c.authIdx >= len(c.cfg.AuthMethods)+1 {
		return newProtoErr(KindAuthExhausted, nil)
	}
	var method AuthMethod
	if c.authIdx == 0 {
		method = AuthNone
	} else {
		method = c.cfg.AuthMethods[c.authIdx-1]
	}
	c.authIdx++

	payload, err := c.buildUserAuthRequest(method)
	if err != nil {
		return err
	}
	if err := c.queuePacketLocked(payload); err != nil {
		return err
	}
	c.stage = StageAttemptingUserAuth
	return nil
}

func (c *Core) buildUserAuthRequest(method AuthMethod) ([]byte, error) {
	userBytes := []byte(c.cfg.Username)
	serviceBytes := []byte("ssh-connection")
	methodBytes := []byte(method)

	switch method {
	case AuthNone:
		buf := wire.NewBufferSize(1 + wire.StringSize(userBytes) + wire.StringSize(serviceBytes) + wire.StringSize(methodBytes))
		_ = buf.WriteByte(msgUserauthRequest)
		_ = buf.WriteString(userBytes)
		_ = buf.WriteString(serviceBytes)
		_ = buf.WriteString(methodBytes)
		return buf.Bytes(), nil
	case AuthPassword:
		if c.cfg.OnAuth == nil {
			return nil, newProtoErr(KindAuthExhausted, errors.New("no credential callback configured"))
		}
		pwRaw, err := c.cfg.OnAuth(context.Background(), AuthPassword)
		if err != nil {
			return nil, newProtoErr(KindAuthExhausted, err)
		}
		pw := secret.New(pwRaw)
		defer pw.Destroy()

		buf := wire.NewBufferSize(1 + wire.StringSize(userBytes) + wire.StringSize(serviceBytes) + wire.StringSize(methodBytes) + 1 + wire.StringSize(pw.Bytes()))
		_ = buf.WriteByte(msgUserauthRequest)
		_ = buf.WriteString(userBytes)
		_ = buf.WriteString(serviceBytes)
		_ = buf.WriteString(methodBytes)
		_ = buf.WriteBool(false) // FALSE, per RFC 4252 §8
		_ = buf.WriteString(pw.Bytes())
		return buf.Bytes(), nil
	default:
		return nil, newProtoErr(KindAuthExhausted, errors.New("unsupported auth method"))
	}
}

func (c *Core) handleUserAuthReplyLocked(payload []byte) error {
	msgID := payload[0]
	switch msgID {
	case msgUserauthBanner:
		buf := wire.NewBuffer(payload[1:])
		text, err := buf.ReadString()
		if err != nil {
			return newProtoErr(KindMalformedPacket, err)
		}
		c.cfg.logf(LogInfo, "banner: %s", string(text))
		return nil
	case msgUserauthSuccess:
		c.stage = StageUserLoggedIn
		c.state = StateConnected
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}
		return nil
	case msgUserauthFailure:
		return c.sendNextAuthMethodLocked()
	case msgUserauthPasswdChangereq:
		// password-change flow is not implemented; counts as a failure
		// for the current method (RFC 4252 §8).
		return c.sendNextAuthMethodLocked()
	default:
		return newProtoErr(KindUnexpectedMessage, nil)
	}
}

func (c *Core) handleSteadyStateLocked(pkt *packet.Packet, payload []byte) error {
	msgID := payload[0]
	switch {
	case msgID == msgGlobalRequest:
		buf := wire.NewBuffer(payload[1:])
		_, _ = buf.ReadString() // request name, unused
		wantReply, _ := buf.ReadBool()
		if wantReply {
			reply := []byte{msgRequestFailure}
			return c.queuePacketLocked(reply)
		}
		return nil
	case msgID >= firstChannelMsgID:
		reply, err := c.channels.Dispatch(payload)
		if err != nil {
			if errors.Is(err, channel.ErrUnknownChannel) {
				c.cfg.logf(LogWarn, "channel message for unknown id, ignoring")
				return nil
			}
			return newProtoErr(KindMalformedPacket, err)
		}
		if reply != nil {
			return c.queuePacketLocked(reply)
		}
		return nil
	default:
		// RFC 4253 §11.4: an unrecognized message id in steady state gets
		// SSH_MSG_UNIMPLEMENTED rather than tearing the connection down
		// (SPEC_FULL.md §3/§4 resolution #5).
		reply := wire.NewBufferSize(1 + 4)
		_ = reply.WriteByte(msgUnimplemented)
		_ = reply.WriteUint32(pkt.Seq())
		return c.queuePacketLocked(reply.Bytes())
	}
}
