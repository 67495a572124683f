// Package secret holds secret-bearing byte material (keys, IVs, the DH
// private exponent, the session identifier, password scratch buffers) in
// a container that zeroes its backing memory on Destroy, per the design
// note in spec.md §9.
package secret

// Bytes wraps a secret byte slice. Callers must call Destroy once the
// value is no longer needed; Destroy is safe to call more than once.
type Bytes struct {
	b []byte
}

// New takes ownership of b (it is not copied) and returns a Bytes
// wrapping it.
func New(b []byte) *Bytes {
	return &Bytes{b: b}
}

// Bytes returns the wrapped slice. The caller must not retain it beyond
// the lifetime of the Bytes value.
func (s *Bytes) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len reports the length of the wrapped slice.
func (s *Bytes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Destroy zeroes the backing array and releases the reference. Written
// as an explicit byte-by-byte loop (not copy() from a zero slice) so it
// cannot be elided by escape analysis/dead-store elimination the way a
// final unread write sometimes can.
func (s *Bytes) Destroy() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}
