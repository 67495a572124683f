package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/wire"
)

func TestOpenBuildsConfirmationAndMovesToOpen(t *testing.T) {
	m := NewManager()
	var events []Event
	id, payload, err := m.Open("session", func(_ uint32, ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)
	require.Equal(t, byte(MsgChannelOpen), payload[0])

	ch, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, Opening, ch.State())

	confirm := wire.NewBufferSize(1 + 4 + 4 + 4 + 4)
	require.NoError(t, confirm.WriteByte(MsgChannelOpenConfirmation))
	require.NoError(t, confirm.WriteUint32(id))
	require.NoError(t, confirm.WriteUint32(77)) // remote id
	require.NoError(t, confirm.WriteUint32(1<<20))
	require.NoError(t, confirm.WriteUint32(32*1024-1))

	reply, err := m.Dispatch(confirm.Bytes())
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Equal(t, Open, ch.State())
	require.Equal(t, uint32(77), ch.RemoteID)
	require.Len(t, events, 1)
	require.Equal(t, EventOpened, events[0].Kind)
}

func TestSecondLocalIDNeverReused(t *testing.T) {
	m := NewManager()
	id1, _, err := m.Open("session", nil)
	require.NoError(t, err)
	closePayload, err := func() ([]byte, error) {
		// fake straight to Open so Close is legal
		ch, _ := m.Get(id1)
		ch.state = Open
		ch.RemoteID = 5
		return m.Close(id1)
	}()
	require.NoError(t, err)
	require.NotNil(t, closePayload)

	id2, _, err := m.Open("session", nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.Equal(t, id1+1, id2)
}

func TestDataDeliveryAndWindowAdjustAtHalfThreshold(t *testing.T) {
	m := NewManager()
	var events []Event
	id, _, err := m.Open("session", func(_ uint32, ev Event) { events = append(events, ev) })
	require.NoError(t, err)
	ch, _ := m.Get(id)
	ch.state = Open
	ch.RemoteID = 9
	ch.localWindow = 10
	ch.localWindowMax = 20

	data := make([]byte, 11) // pushes window from 10 to < 10 (half of 20)
	dbuf := wire.NewBufferSize(1 + 4 + wire.StringSize(data))
	require.NoError(t, dbuf.WriteByte(MsgChannelData))
	require.NoError(t, dbuf.WriteUint32(id))
	require.NoError(t, dbuf.WriteString(data))

	reply, err := m.Dispatch(dbuf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, reply)

	rbuf := wire.NewBuffer(reply)
	msgID, err := rbuf.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(MsgChannelWindowAdjust), msgID)
	remoteID, err := rbuf.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, ch.RemoteID, remoteID)

	require.Equal(t, uint32(20), ch.localWindow)
	require.Len(t, events, 1)
	require.Equal(t, EventData, events[0].Kind)
	require.Equal(t, data, events[0].Data)
}

func TestSendChunksToRemoteWindowAndErrorsWhenExhausted(t *testing.T) {
	m := NewManager()
	id, _, err := m.Open("session", nil)
	require.NoError(t, err)
	ch, _ := m.Get(id)
	ch.state = Open
	ch.RemoteID = 3
	ch.remoteWindow = 10
	ch.remoteMaxPacket = 4

	chunks, err := m.Send(id, make([]byte, 9))
	require.NoError(t, err)
	require.Len(t, chunks, 3) // 4+4+1
	require.Equal(t, uint32(1), ch.remoteWindow)

	_, err = m.Send(id, make([]byte, 5))
	require.NoError(t, err) // 1 byte still fits
	require.Equal(t, uint32(0), ch.remoteWindow)

	_, err = m.Send(id, make([]byte, 1))
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestFullOpenDataAdjustCloseSequence(t *testing.T) {
	m := NewManager()
	var events []Event
	id, openPayload, err := m.Open("session", func(_ uint32, ev Event) { events = append(events, ev) })
	require.NoError(t, err)
	require.Equal(t, byte(MsgChannelOpen), openPayload[0])

	confirm := wire.NewBufferSize(1 + 4 + 4 + 4 + 4)
	require.NoError(t, confirm.WriteByte(MsgChannelOpenConfirmation))
	require.NoError(t, confirm.WriteUint32(id))
	require.NoError(t, confirm.WriteUint32(42))
	require.NoError(t, confirm.WriteUint32(64))
	require.NoError(t, confirm.WriteUint32(16))
	_, err = m.Dispatch(confirm.Bytes())
	require.NoError(t, err)

	chunks, err := m.Send(id, []byte("hello channel"))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	closePayload, err := m.Close(id)
	require.NoError(t, err)

	closeBuf := wire.NewBuffer(closePayload)
	msgID, _ := closeBuf.ReadByte()
	require.Equal(t, byte(MsgChannelClose), msgID)

	peerClose := wire.NewBufferSize(1 + 4)
	require.NoError(t, peerClose.WriteByte(MsgChannelClose))
	require.NoError(t, peerClose.WriteUint32(id))
	reply, err := m.Dispatch(peerClose.Bytes())
	require.NoError(t, err)
	require.Nil(t, reply) // we already sent our own close

	_, ok := m.Get(id)
	require.False(t, ok)

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Contains(t, kinds, EventOpened)
	require.Contains(t, kinds, EventClosed)
}

func TestRemoteOpenIsRefused(t *testing.T) {
	m := NewManager()
	typ := []byte("forwarded-tcpip")
	buf := wire.NewBufferSize(1 + wire.StringSize(typ) + 4 + 4 + 4)
	require.NoError(t, buf.WriteByte(MsgChannelOpen))
	require.NoError(t, buf.WriteString(typ))
	require.NoError(t, buf.WriteUint32(7)) // server's sender id
	require.NoError(t, buf.WriteUint32(1<<20))
	require.NoError(t, buf.WriteUint32(32*1024-1))

	reply, err := m.Dispatch(buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, byte(MsgChannelOpenFailure), reply[0])

	rbuf := wire.NewBuffer(reply[1:])
	senderID, err := rbuf.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(7), senderID)
}

func TestInboundRequestWantReplyGetsFailure(t *testing.T) {
	m := NewManager()
	id, _, err := m.Open("session", nil)
	require.NoError(t, err)
	ch, _ := m.Get(id)
	ch.state = Open
	ch.RemoteID = 31

	typ := []byte("exit-status")
	buf := wire.NewBufferSize(1 + 4 + wire.StringSize(typ) + 1 + 4)
	require.NoError(t, buf.WriteByte(MsgChannelRequest))
	require.NoError(t, buf.WriteUint32(id))
	require.NoError(t, buf.WriteString(typ))
	require.NoError(t, buf.WriteBool(true))
	require.NoError(t, buf.WriteUint32(0))

	reply, err := m.Dispatch(buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, byte(MsgChannelFailure), reply[0])

	// without want_reply there is nothing to send back
	buf2 := wire.NewBufferSize(1 + 4 + wire.StringSize(typ) + 1)
	require.NoError(t, buf2.WriteByte(MsgChannelRequest))
	require.NoError(t, buf2.WriteUint32(id))
	require.NoError(t, buf2.WriteString(typ))
	require.NoError(t, buf2.WriteBool(false))
	reply, err = m.Dispatch(buf2.Bytes())
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestDispatchUnknownChannelIsReported(t *testing.T) {
	m := NewManager()
	buf := wire.NewBufferSize(1 + 4 + 4)
	require.NoError(t, buf.WriteByte(MsgChannelWindowAdjust))
	require.NoError(t, buf.WriteUint32(999))
	require.NoError(t, buf.WriteUint32(10))
	_, err := m.Dispatch(buf.Bytes())
	require.ErrorIs(t, err, ErrUnknownChannel)
}
