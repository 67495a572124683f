package wire

import (
	"bytes"
	"errors"
)

// ErrNoCommonAlgorithm is returned by Select when two name-lists share no
// token (RFC 4253 §7.1 negotiation failure).
var ErrNoCommonAlgorithm = errors.New("wire: no common algorithm")

// NameList is an ordered list of US-ASCII tokens, as used for SSH
// algorithm-negotiation fields. It preserves insertion order, which is
// the client's preference order per RFC 4253 §7.1.
type NameList struct {
	tokens []string
}

// NewNameList builds a NameList from an ordered slice of tokens.
func NewNameList(tokens ...string) NameList {
	nl := NameList{}
	for _, t := range tokens {
		nl.Add(t)
	}
	return nl
}

// Add appends a token to the end of the list.
func (n *NameList) Add(token string) {
	n.tokens = append(n.tokens, token)
}

// Tokens returns the ordered token slice (read-only by convention).
func (n NameList) Tokens() []string { return n.tokens }

// Len returns the number of tokens.
func (n NameList) Len() int { return len(n.tokens) }

// String renders the comma-joined wire form.
func (n NameList) String() string {
	return joinComma(n.tokens)
}

func joinComma(tokens []string) string {
	var buf bytes.Buffer
	for i, t := range tokens {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(t)
	}
	return buf.String()
}

// ParseNameList splits a comma-joined wire form into a NameList. An empty
// string yields an empty NameList, not a NameList with one empty token.
func ParseNameList(s string) NameList {
	if s == "" {
		return NameList{}
	}
	parts := bytes.Split([]byte(s), []byte{','})
	nl := NameList{}
	for _, p := range parts {
		nl.Add(string(p))
	}
	return nl
}

// Contains reports whether token appears in the list.
func (n NameList) Contains(token string) bool {
	for _, t := range n.tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Select returns the first token of client that also appears in server,
// per RFC 4253 §7.1 (client preference order wins; server's order is
// irrelevant). Returns ErrNoCommonAlgorithm if the intersection is empty.
func Select(client, server NameList) (string, error) {
	for _, c := range client.tokens {
		if server.Contains(c) {
			return c, nil
		}
	}
	return "", ErrNoCommonAlgorithm
}

// WriteNameList writes the wire "string" containing the comma-joined
// tokens.
func (b *Buffer) WriteNameList(n NameList) error {
	return b.WriteString([]byte(n.String()))
}

// ReadNameList reads a wire "string" and parses it as a comma-joined
// name-list.
func (b *Buffer) ReadNameList() (NameList, error) {
	raw, err := b.ReadString()
	if err != nil {
		return NameList{}, err
	}
	return ParseNameList(string(raw)), nil
}

// NameListSize returns the encoded wire size of n.
func NameListSize(n NameList) int {
	return StringSize([]byte(n.String()))
}
