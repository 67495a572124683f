// Package channel implements SSH Connection protocol channel
// multiplexing (spec.md §4.9): a Manager keyed by local channel id,
// window/backpressure accounting, and inbound message dispatch. Modeled
// on the teacher's TunEndpoint table (blitter.com/go/xs's
// hkexnet/hkextun.go) generalized from TCP-tunnel endpoints to SSH
// logical channels.
package channel

import (
	"errors"
	"sync"

	"blitter.com/go/xssh/wire"
)

// Message ids this package dispatches on (constants.h in the protocol
// this module implements).
const (
	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// ExtendedDataTypeStderr is the one extended-data type this module
// exchanges (RFC 4254 §5.2).
const ExtendedDataTypeStderr = 1

// State is a channel's lifecycle state.
type State int

const (
	Opening State = iota
	Open
	Closing
	Gone
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// EventKind tags the events a Channel emits to its sink.
type EventKind int

const (
	EventOpened EventKind = iota
	EventData
	EventExtendedData
	EventClosed
	EventRequestSuccess
	EventRequestFailure
)

// Event is delivered to a channel's EventSink as inbound traffic is
// dispatched.
type Event struct {
	Kind          EventKind
	Data          []byte
	ExtendedType  uint32
	FailureReason string
}

// EventSink receives channel lifecycle and data events. Implementations
// must not block for long: the worker loop delivers events inline.
type EventSink func(localID uint32, ev Event)

var (
	// ErrUnknownChannel is returned when an inbound message references a
	// local channel id this Manager has no record of.
	ErrUnknownChannel = errors.New("channel: unknown local id")
	// ErrWouldBlock is returned by Send when the remote window has no
	// room for any payload right now. The caller decides whether to
	// retry later; Send itself never blocks (spec.md §4.9/§9).
	ErrWouldBlock = errors.New("channel: send would block, remote window exhausted")
	// ErrNotOpen is returned by operations that require state Open.
	ErrNotOpen = errors.New("channel: not open")
	// ErrMalformed covers truncated or out-of-range channel messages.
	ErrMalformed = errors.New("channel: malformed message")
)

const defaultInitialWindow = 1 << 20    // 1 MiB, implementation-chosen per spec.md §4.9
const defaultMaxPacketSize = 32*1024 - 1 // 32 KiB - 1, the conventional SSH value

// Channel tracks one multiplexed logical channel's state.
type Channel struct {
	LocalID  uint32
	RemoteID uint32
	Type     string

	state State

	localWindow    uint32
	localWindowMax uint32
	localMaxPacket uint32

	remoteWindow    uint32
	remoteMaxPacket uint32

	peerWillSendMore bool // false once CHANNEL_EOF has been observed
	closeSent        bool

	sink EventSink
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return c.state }

// Manager owns every locally-known channel, keyed by local id, and
// mints/dispatches the Connection-protocol messages that operate on
// them (spec.md §4.9).
type Manager struct {
	mu     sync.Mutex
	nextID uint32
	table  map[uint32]*Channel
}

// NewManager returns an empty Manager; local ids are allocated starting
// at 1 (spec.md §4.9 invariant: local id is never reused, even after
// close).
func NewManager() *Manager {
	return &Manager{nextID: 1, table: make(map[uint32]*Channel)}
}

// Open allocates a fresh local id, registers a channel in state
// Opening, and returns the SSH_MSG_CHANNEL_OPEN payload to send.
func (m *Manager) Open(channelType string, sink EventSink) (localID uint32, openPayload []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	ch := &Channel{
		LocalID:          id,
		Type:             channelType,
		state:            Opening,
		localWindow:      defaultInitialWindow,
		localWindowMax:   defaultInitialWindow,
		localMaxPacket:   defaultMaxPacketSize,
		peerWillSendMore: true,
		sink:             sink,
	}
	m.table[id] = ch

	typeBytes := []byte(channelType)
	buf := wire.NewBufferSize(1 + wire.StringSize(typeBytes) + 4 + 4 + 4)
	if err := buf.WriteByte(MsgChannelOpen); err != nil {
		return 0, nil, err
	}
	if err := buf.WriteString(typeBytes); err != nil {
		return 0, nil, err
	}
	if err := buf.WriteUint32(id); err != nil {
		return 0, nil, err
	}
	if err := buf.WriteUint32(ch.localWindow); err != nil {
		return 0, nil, err
	}
	if err := buf.WriteUint32(ch.localMaxPacket); err != nil {
		return 0, nil, err
	}
	return id, buf.Bytes(), nil
}

// Close queues SSH_MSG_CHANNEL_CLOSE for localID iff it is currently
// Open, and returns the payload to send.
func (m *Manager) Close(localID uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.table[localID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	if ch.state != Open {
		return nil, ErrNotOpen
	}
	ch.state = Closing
	ch.closeSent = true

	buf := wire.NewBufferSize(1 + 4)
	if err := buf.WriteByte(MsgChannelClose); err != nil {
		return nil, err
	}
	if err := buf.WriteUint32(ch.RemoteID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Get returns the channel registered for localID, if any.
func (m *Manager) Get(localID uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.table[localID]
	return ch, ok
}

// Send chunks payload into CHANNEL_DATA packets sized at most
// min(remote_max_packet_size, remote_window) and returns the wire
// payloads to send, decrementing the remote window as it goes. If the
// remote window cannot admit any payload, it fails with ErrWouldBlock
// rather than blocking (spec.md §4.9/§9 discipline decision).
func (m *Manager) Send(localID uint32, payload []byte) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.table[localID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	if ch.state != Open {
		return nil, ErrNotOpen
	}
	if len(payload) == 0 {
		return nil, nil
	}
	if ch.remoteWindow == 0 {
		return nil, ErrWouldBlock
	}

	var out [][]byte
	for len(payload) > 0 {
		chunkSize := ch.remoteMaxPacket
		if ch.remoteWindow < chunkSize {
			chunkSize = ch.remoteWindow
		}
		if chunkSize == 0 {
			break
		}
		if uint32(len(payload)) < chunkSize {
			chunkSize = uint32(len(payload))
		}
		chunk := payload[:chunkSize]
		payload = payload[chunkSize:]

		buf := wire.NewBufferSize(1 + 4 + wire.StringSize(chunk))
		if err := buf.WriteByte(MsgChannelData); err != nil {
			return nil, err
		}
		if err := buf.WriteUint32(ch.RemoteID); err != nil {
			return nil, err
		}
		if err := buf.WriteString(chunk); err != nil {
			return nil, err
		}
		out = append(out, buf.Bytes())
		ch.remoteWindow -= chunkSize
	}
	return out, nil
}

// Request builds an SSH_MSG_CHANNEL_REQUEST payload (pty-req / shell /
// exec / ...), per RFC 4254 §6.5/§6.7/§6.9/§6.10.
func (m *Manager) Request(localID uint32, requestType string, wantReply bool, requestData []byte) ([]byte, error) {
	m.mu.Lock()
	ch, ok := m.table[localID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChannel
	}
	if ch.state != Open {
		return nil, ErrNotOpen
	}

	typeBytes := []byte(requestType)
	buf := wire.NewBufferSize(1 + 4 + wire.StringSize(typeBytes) + 1 + len(requestData))
	if err := buf.WriteByte(MsgChannelRequest); err != nil {
		return nil, err
	}
	if err := buf.WriteUint32(ch.RemoteID); err != nil {
		return nil, err
	}
	if err := buf.WriteString(typeBytes); err != nil {
		return nil, err
	}
	if err := buf.WriteBool(wantReply); err != nil {
		return nil, err
	}
	if err := buf.WriteRaw(requestData); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Dispatch routes one inbound Connection-protocol packet payload
// (leading byte already a CHANNEL_* or REQUEST_* message id) to the
// channel it names, returning any reply payload the caller should send
// (e.g. a CHANNEL_WINDOW_ADJUST), or nil if none is needed.
func (m *Manager) Dispatch(payload []byte) (reply []byte, err error) {
	if len(payload) == 0 {
		return nil, ErrMalformed
	}
	buf := wire.NewBuffer(payload)
	msgID, err := buf.ReadByte()
	if err != nil {
		return nil, ErrMalformed
	}

	switch msgID {
	case MsgChannelOpen:
		return m.handleRemoteOpen(buf)
	case MsgChannelOpenConfirmation:
		return nil, m.handleOpenConfirmation(buf)
	case MsgChannelOpenFailure:
		return nil, m.handleOpenFailure(buf)
	case MsgChannelData:
		return m.handleData(buf, false)
	case MsgChannelExtendedData:
		return m.handleData(buf, true)
	case MsgChannelWindowAdjust:
		return nil, m.handleWindowAdjust(buf)
	case MsgChannelEOF:
		return nil, m.handleEOF(buf)
	case MsgChannelClose:
		return m.handleClose(buf)
	case MsgChannelRequest:
		return m.handleInboundRequest(buf)
	case MsgChannelSuccess:
		return nil, m.handleRequestReply(buf, true)
	case MsgChannelFailure:
		return nil, m.handleRequestReply(buf, false)
	default:
		return nil, ErrMalformed
	}
}

// handleRemoteOpen refuses server-initiated channels: this is a client
// core with no forwarding listeners, so every remote open is answered
// with SSH_OPEN_ADMINISTRATIVELY_PROHIBITED.
func (m *Manager) handleRemoteOpen(buf *wire.Buffer) ([]byte, error) {
	if _, err := buf.ReadString(); err != nil { // channel type
		return nil, ErrMalformed
	}
	senderID, err := buf.ReadUint32()
	if err != nil {
		return nil, ErrMalformed
	}
	out := wire.NewBufferSize(1 + 4 + 4 + wire.StringSize(nil) + wire.StringSize(nil))
	if err := out.WriteByte(MsgChannelOpenFailure); err != nil {
		return nil, err
	}
	if err := out.WriteUint32(senderID); err != nil {
		return nil, err
	}
	if err := out.WriteUint32(1); err != nil { // SSH_OPEN_ADMINISTRATIVELY_PROHIBITED
		return nil, err
	}
	if err := out.WriteString(nil); err != nil {
		return nil, err
	}
	if err := out.WriteString(nil); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// handleInboundRequest answers server-side CHANNEL_REQUESTs (exit-status,
// exit-signal, ...) with CHANNEL_FAILURE when a reply is wanted; none of
// them require client-side action here.
func (m *Manager) handleInboundRequest(buf *wire.Buffer) ([]byte, error) {
	localID, err := buf.ReadUint32()
	if err != nil {
		return nil, ErrMalformed
	}
	if _, err := buf.ReadString(); err != nil { // request type
		return nil, ErrMalformed
	}
	wantReply, err := buf.ReadBool()
	if err != nil {
		return nil, ErrMalformed
	}

	m.mu.Lock()
	ch, ok := m.table[localID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChannel
	}
	if !wantReply {
		return nil, nil
	}
	out := wire.NewBufferSize(1 + 4)
	if err := out.WriteByte(MsgChannelFailure); err != nil {
		return nil, err
	}
	if err := out.WriteUint32(ch.RemoteID); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (m *Manager) handleOpenConfirmation(buf *wire.Buffer) error {
	localID, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	remoteID, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	remoteWindow, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	remoteMaxPacket, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}

	m.mu.Lock()
	ch, ok := m.table[localID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	ch.RemoteID = remoteID
	ch.remoteWindow = remoteWindow
	ch.remoteMaxPacket = remoteMaxPacket
	ch.state = Open
	if ch.sink != nil {
		ch.sink(localID, Event{Kind: EventOpened})
	}
	return nil
}

func (m *Manager) handleOpenFailure(buf *wire.Buffer) error {
	localID, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	reasonCode, _ := buf.ReadUint32()
	reasonText, _ := buf.ReadString()
	_ = reasonCode

	m.mu.Lock()
	ch, ok := m.table[localID]
	if ok {
		delete(m.table, localID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	if ch.sink != nil {
		ch.sink(localID, Event{Kind: EventClosed, FailureReason: string(reasonText)})
	}
	return nil
}

func (m *Manager) handleData(buf *wire.Buffer, extended bool) ([]byte, error) {
	localID, err := buf.ReadUint32()
	if err != nil {
		return nil, ErrMalformed
	}
	var dataType uint32
	if extended {
		dataType, err = buf.ReadUint32()
		if err != nil {
			return nil, ErrMalformed
		}
	}
	data, err := buf.ReadString()
	if err != nil {
		return nil, ErrMalformed
	}

	m.mu.Lock()
	ch, ok := m.table[localID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownChannel
	}

	dataCopy := append([]byte(nil), data...)

	m.mu.Lock()
	if uint32(len(data)) > ch.localWindow {
		ch.localWindow = 0
	} else {
		ch.localWindow -= uint32(len(data))
	}
	adjustNeeded := ch.localWindow < ch.localWindowMax/2
	var adjustAmount uint32
	if adjustNeeded {
		adjustAmount = ch.localWindowMax - ch.localWindow
		ch.localWindow = ch.localWindowMax
	}
	remoteID := ch.RemoteID
	m.mu.Unlock()

	if ch.sink != nil {
		if extended {
			ch.sink(localID, Event{Kind: EventExtendedData, Data: dataCopy, ExtendedType: dataType})
		} else {
			ch.sink(localID, Event{Kind: EventData, Data: dataCopy})
		}
	}

	if !adjustNeeded {
		return nil, nil
	}
	adjBuf := wire.NewBufferSize(1 + 4 + 4)
	if err := adjBuf.WriteByte(MsgChannelWindowAdjust); err != nil {
		return nil, err
	}
	if err := adjBuf.WriteUint32(remoteID); err != nil {
		return nil, err
	}
	if err := adjBuf.WriteUint32(adjustAmount); err != nil {
		return nil, err
	}
	return adjBuf.Bytes(), nil
}

func (m *Manager) handleWindowAdjust(buf *wire.Buffer) error {
	localID, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	amount, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}

	m.mu.Lock()
	ch, ok := m.table[localID]
	if ok {
		ch.remoteWindow += amount
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	return nil
}

func (m *Manager) handleEOF(buf *wire.Buffer) error {
	localID, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	m.mu.Lock()
	ch, ok := m.table[localID]
	if ok {
		ch.peerWillSendMore = false
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	return nil
}

func (m *Manager) handleClose(buf *wire.Buffer) ([]byte, error) {
	localID, err := buf.ReadUint32()
	if err != nil {
		return nil, ErrMalformed
	}

	m.mu.Lock()
	ch, ok := m.table[localID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownChannel
	}
	wasOpen := ch.state == Open
	alreadySent := ch.closeSent
	remoteID := ch.RemoteID
	delete(m.table, localID)
	m.mu.Unlock()

	var reply []byte
	if wasOpen && !alreadySent {
		buf := wire.NewBufferSize(1 + 4)
		if err := buf.WriteByte(MsgChannelClose); err != nil {
			return nil, err
		}
		if err := buf.WriteUint32(remoteID); err != nil {
			return nil, err
		}
		reply = buf.Bytes()
	}
	if ch.sink != nil {
		ch.sink(localID, Event{Kind: EventClosed})
	}
	return reply, nil
}

func (m *Manager) handleRequestReply(buf *wire.Buffer, success bool) error {
	localID, err := buf.ReadUint32()
	if err != nil {
		return ErrMalformed
	}
	m.mu.Lock()
	ch, ok := m.table[localID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	if ch.sink != nil {
		if success {
			ch.sink(localID, Event{Kind: EventRequestSuccess})
		} else {
			ch.sink(localID, Event{Kind: EventRequestFailure})
		}
	}
	return nil
}
