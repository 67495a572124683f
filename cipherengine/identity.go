package cipherengine

// Identity is the transparent "none" cipher. Per spec.md §4.6 its block
// length is reported as 8 for padding-size purposes even though it
// performs no transformation.
type Identity struct{}

func (*Identity) SetKeys(_, _ []byte) error { return nil }
func (*Identity) BlockLen() int             { return 8 }
func (*Identity) Encrypt(_ []byte)          {}
func (*Identity) Decrypt(_ []byte)          {}
func (*Identity) Name() string              { return "none" }
