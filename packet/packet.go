// Package packet implements the SSH binary packet protocol (spec.md
// §4.4): outbound packets are built once, padded, MACed and encrypted at
// Finalize, and sent as bytes thereafter; inbound packets are
// incrementally parsed from a byte stream, decrypted and MAC-verified
// once, then exposed to the caller via a wire.Buffer cursor.
package packet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"blitter.com/go/xssh/cipherengine"
	"blitter.com/go/xssh/macengine"
	"blitter.com/go/xssh/wire"
)

const (
	// MinPacketSize is the minimum total size of a packet excluding MAC
	// (the packet_length field's 4 bytes plus packet_length itself), per
	// RFC 4253 §6.
	MinPacketSize = 16
	// MaxPacketLength is the maximum allowed packet_length.
	MaxPacketLength = 35000
)

var (
	// ErrNeedMoreData signals the Reader does not yet hold a complete
	// packet; it is not an error condition, just "wait for more bytes".
	ErrNeedMoreData = errors.New("packet: need more data")
	// ErrMalformedPacket covers every §7 MalformedPacket condition:
	// length out of range, misaligned to block size, short buffer, or a
	// bad padding length. Fatal per spec.md §7.
	ErrMalformedPacket = errors.New("packet: malformed packet")
	// ErrMacMismatch is returned when inbound MAC verification fails.
	// Fatal per spec.md §7.
	ErrMacMismatch = errors.New("packet: mac verification failed")
	// ErrAlreadyFinalized is returned by Finalize on a packet that has
	// already been finalized; write packets are strictly one-shot.
	ErrAlreadyFinalized = errors.New("packet: already finalized")
	// ErrPaddingOverflow would indicate a padding_length > 255, which
	// cannot occur for any block size this protocol negotiates (<=255)
	// but is guarded defensively at construction.
	ErrPaddingOverflow = errors.New("packet: padding length overflow")
)

// Role distinguishes a packet being built for transmission from one
// being parsed from received bytes.
type Role int

const (
	RoleWrite Role = iota
	RoleRead
)

// Packet is the canonical binary-packet-protocol record (spec.md §3).
type Packet struct {
	role          Role
	seq           uint32
	packetLength  uint32
	paddingLength byte

	// data holds packet_length(4) || padding_length(1) || payload ||
	// padding. For a write packet it starts out plaintext and is
	// encrypted in place by Finalize. For a read packet it is already
	// plaintext (decrypted during parsing).
	data []byte
	mac  []byte

	payload []byte // view into data: the payload region only
	cursor  *wire.Buffer
	done    bool // write: finalized; read: always true once constructed
}

// Seq returns the packet's sequence number, fixed at construction.
func (p *Packet) Seq() uint32 { return p.seq }

// Payload returns the packet's payload bytes.
func (p *Packet) Payload() []byte { return p.payload }

// Cursor returns a wire.Buffer positioned at the start of the payload,
// for the parser to consume fields from (read packets only).
func (p *Packet) Cursor() *wire.Buffer { return p.cursor }

// Bytes returns the complete on-wire representation (ciphertext +
// trailing MAC for a finalized write packet; the as-received bytes for
// a read packet).
func (p *Packet) Bytes() []byte {
	if len(p.mac) == 0 {
		return p.data
	}
	out := make([]byte, len(p.data)+len(p.mac))
	copy(out, p.data)
	copy(out[len(p.data):], p.mac)
	return out
}

func effectiveBlock(blockLen int) int {
	if blockLen < 8 {
		return 8
	}
	return blockLen
}

// planPadding implements spec.md §4.4 step 1.
func planPadding(payloadLen, macLen, block int) (packetLength uint32, paddingLength byte, err error) {
	lengthBeforePadding := 4 + 1 + payloadLen + macLen
	padding := block - (lengthBeforePadding % block)
	if padding < 4 {
		padding += block
	}
	if padding > 255 {
		return 0, 0, ErrPaddingOverflow
	}
	return uint32(1 + payloadLen + padding), byte(padding), nil
}

// BuildWritePacket constructs (but does not finalize) a write packet for
// the given payload, sequence number, and the current outbound cipher's
// block length / MAC's output length.
func BuildWritePacket(seq uint32, payload []byte, cipherBlockLen, macLen int) (*Packet, error) {
	block := effectiveBlock(cipherBlockLen)
	packetLength, paddingLength, err := planPadding(len(payload), macLen, block)
	if err != nil {
		return nil, err
	}
	total := 4 + int(packetLength)
	buf := wire.NewBufferSize(total)
	if err := buf.WriteUint32(packetLength); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(paddingLength); err != nil {
		return nil, err
	}
	payloadStart := buf.Offset()
	if err := buf.WriteRaw(payload); err != nil {
		return nil, err
	}
	// padding region is the remainder of buf; left zeroed here, filled
	// with CSPRNG output at Finalize.
	return &Packet{
		role:          RoleWrite,
		seq:           seq,
		packetLength:  packetLength,
		paddingLength: paddingLength,
		data:          buf.Bytes(),
		payload:       buf.Bytes()[payloadStart : payloadStart+len(payload)],
	}, nil
}

// Finalize fills the padding with cryptographically random bytes,
// computes the MAC over the unencrypted form, and encrypts the packet
// in place. Per spec.md §4.4, finalize may run exactly once.
func (p *Packet) Finalize(cipher cipherengine.Engine, mac macengine.Engine) error {
	if p.role != RoleWrite {
		return ErrMalformedPacket
	}
	if p.done {
		return ErrAlreadyFinalized
	}
	padStart := len(p.data) - int(p.paddingLength)
	if p.paddingLength > 0 {
		if _, err := rand.Read(p.data[padStart:]); err != nil {
			return err
		}
	}
	if mac.Len() > 0 {
		p.mac = mac.Produce(p.seq, p.data)
	}
	cipher.Encrypt(p.data)
	p.done = true
	return nil
}

// Reader incrementally parses inbound packets from a byte stream fed via
// Feed. It owns no network I/O itself: the caller (ConnectionCore) reads
// bytes from the external byte transport and hands them to Feed.
type Reader struct {
	cipher cipherengine.Engine
	mac    macengine.Engine
	seq    uint32

	pending []byte

	haveFirstBlock  bool
	packetLength    uint32
	firstBlockPlain []byte
}

// NewReader creates a Reader starting with the Identity cipher/MAC (as
// used before the first key exchange completes) and sequence number 0.
func NewReader() *Reader {
	return &Reader{
		cipher: &cipherengine.Identity{},
		mac:    macengine.Identity{},
	}
}

// SetCipher installs a new inbound cipher engine. Per spec.md §4.5 this
// must only be called between packets (immediately after NEWKEYS is
// parsed), never while a partial packet is buffered.
func (r *Reader) SetCipher(e cipherengine.Engine) { r.cipher = e }

// SetMac installs a new inbound MAC engine, with the same timing
// constraint as SetCipher.
func (r *Reader) SetMac(e macengine.Engine) { r.mac = e }

// Seq returns the sequence number the next parsed packet will carry.
func (r *Reader) Seq() uint32 { return r.seq }

// Feed appends newly received bytes to the pending buffer.
func (r *Reader) Feed(b []byte) {
	r.pending = append(r.pending, b...)
}

func (r *Reader) blockSize() int { return effectiveBlock(r.cipher.BlockLen()) }

// Next attempts to parse the next packet from previously Fed bytes. It
// returns ErrNeedMoreData (non-fatal — wait for more input) or one of
// ErrMalformedPacket / ErrMacMismatch (fatal — the caller must
// disconnect).
func (r *Reader) Next() (*Packet, error) {
	block := r.blockSize()

	if !r.haveFirstBlock {
		if len(r.pending) < block {
			return nil, ErrNeedMoreData
		}
		first := append([]byte(nil), r.pending[:block]...)
		r.cipher.Decrypt(first)
		r.pending = r.pending[block:]

		if len(first) < 4 {
			return nil, ErrMalformedPacket
		}
		pl := binary.BigEndian.Uint32(first[0:4])
		if pl+4 < MinPacketSize || pl > MaxPacketLength || (pl+4)%uint32(block) != 0 {
			return nil, ErrMalformedPacket
		}
		r.packetLength = pl
		r.firstBlockPlain = first
		r.haveFirstBlock = true
	}

	macLen := r.mac.Len()
	totalCipherLen := int(r.packetLength) + 4
	remainingCipher := totalCipherLen - block
	if remainingCipher < 0 {
		return nil, ErrMalformedPacket
	}
	need := remainingCipher + macLen
	if len(r.pending) < need {
		return nil, ErrNeedMoreData
	}

	restCipher := r.pending[:remainingCipher]
	receivedMac := append([]byte(nil), r.pending[remainingCipher:need]...)
	r.pending = r.pending[need:]

	restPlain := append([]byte(nil), restCipher...)
	if len(restPlain) > 0 {
		r.cipher.Decrypt(restPlain)
	}

	full := make([]byte, 0, totalCipherLen)
	full = append(full, r.firstBlockPlain...)
	full = append(full, restPlain...)

	if !r.mac.Verify(r.seq, full, receivedMac) {
		r.resetFrame()
		return nil, ErrMacMismatch
	}

	paddingLength := full[4]
	payloadLen := int(r.packetLength) - int(paddingLength) - 1
	if paddingLength < 4 || payloadLen < 0 || 5+payloadLen > len(full) {
		r.resetFrame()
		return nil, ErrMalformedPacket
	}
	payload := full[5 : 5+payloadLen]

	pkt := &Packet{
		role:          RoleRead,
		seq:           r.seq,
		packetLength:  r.packetLength,
		paddingLength: paddingLength,
		data:          full,
		mac:           receivedMac,
		payload:       payload,
		cursor:        wire.NewBuffer(payload),
		done:          true,
	}

	r.seq++
	r.resetFrame()
	return pkt, nil
}

func (r *Reader) resetFrame() {
	r.haveFirstBlock = false
	r.firstBlockPlain = nil
	r.packetLength = 0
}
