package packet

import (
	"sync"

	"blitter.com/go/xssh/cipherengine"
	"blitter.com/go/xssh/macengine"
)

// Store owns the active outbound and inbound cipher/MAC engines (spec.md
// §4.5) and mints packets wired to whichever algorithms are currently
// active for each direction. Engine swaps are not atomic with a specific
// packet: the contract is that the next packet minted/parsed for a
// direction uses the new engine, and callers are responsible for timing
// the swap relative to NEWKEYS (spec.md §4.10.3).
type Store struct {
	mu sync.Mutex

	outSeq    uint32
	outCipher cipherengine.Engine
	outMac    macengine.Engine

	in *Reader
}

// NewStore returns a Store with both directions set to Identity
// cipher/MAC, as used before the first key exchange completes.
func NewStore() *Store {
	return &Store{
		outCipher: &cipherengine.Identity{},
		outMac:    macengine.Identity{},
		in:        NewReader(),
	}
}

// BuildWrite mints a fully finalized, ready-to-send write packet for
// payload, using the direction's current outbound engines, and advances
// the outbound sequence counter (wrapping modulo 2^32).
func (s *Store) BuildWrite(payload []byte) (*Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkt, err := BuildWritePacket(s.outSeq, payload, s.outCipher.BlockLen(), s.outMac.Len())
	if err != nil {
		return nil, err
	}
	if err := pkt.Finalize(s.outCipher, s.outMac); err != nil {
		return nil, err
	}
	s.outSeq++
	return pkt, nil
}

// OutSeq returns the sequence number the next outbound packet will
// carry.
func (s *Store) OutSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outSeq
}

// SetOutboundCipher installs a new outbound cipher engine. Must be
// called immediately after queuing our own NEWKEYS (spec.md §4.5/§4.10.3).
func (s *Store) SetOutboundCipher(e cipherengine.Engine) {
	s.mu.Lock()
	s.outCipher = e
	s.mu.Unlock()
}

// SetOutboundMac installs a new outbound MAC engine, same timing rule as
// SetOutboundCipher.
func (s *Store) SetOutboundMac(e macengine.Engine) {
	s.mu.Lock()
	s.outMac = e
	s.mu.Unlock()
}

// SetInboundCipher installs a new inbound cipher engine. Must be called
// immediately after the peer's NEWKEYS has been parsed.
func (s *Store) SetInboundCipher(e cipherengine.Engine) { s.in.SetCipher(e) }

// SetInboundMac installs a new inbound MAC engine, same timing rule as
// SetInboundCipher.
func (s *Store) SetInboundMac(e macengine.Engine) { s.in.SetMac(e) }

// Feed appends newly received bytes for inbound parsing.
func (s *Store) Feed(b []byte) { s.in.Feed(b) }

// NextRead attempts to parse the next inbound packet (see Reader.Next).
func (s *Store) NextRead() (*Packet, error) { return s.in.Next() }

// InSeq returns the sequence number the next inbound packet will carry.
func (s *Store) InSeq() uint32 { return s.in.Seq() }
