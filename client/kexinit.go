package client

import (
	"crypto/rand"

	"blitter.com/go/xssh/cipherengine"
	"blitter.com/go/xssh/kex"
	"blitter.com/go/xssh/macengine"
	"blitter.com/go/xssh/wire"
)

const kexCookieLength = 16 // cKexCookieLength in the protocol's constants.h

// negotiatedAlgorithms holds the result of all six independent slots
// (spec.md §4.10.2: one negotiation per slot, client preference wins).
type negotiatedAlgorithms struct {
	kex       string
	hostKey   string
	cipherC2S string
	cipherS2C string
	macC2S    string
	macS2C    string
}

// kexinitPayload builds the full SSH_MSG_KEXINIT payload (msg id,
// 16-byte CSPRNG cookie, six name-lists, first_kex_packet_follows=false,
// reserved uint32=0), per spec.md §4.10.2/§9 Open Question #3.
func kexinitPayload(cfg *Config) ([]byte, error) {
	kexNames := wire.NameList{}
	kexNames.Add("diffie-hellman-group14-sha1")
	for _, n := range cfg.ExtraKexAlgorithms {
		kexNames.Add(n)
	}

	hostKeyNames := wire.NameList{}
	hostKeyNames.Add("ssh-rsa")

	cipherNames := wire.NameList{}
	for _, n := range cipherengine.SupportedNames() {
		cipherNames.Add(n)
	}
	for _, n := range cfg.ExtraCipherAlgorithms {
		cipherNames.Add(n)
	}

	macNames := wire.NameList{}
	for _, n := range macengine.SupportedNames() {
		macNames.Add(n)
	}

	compressionNames := wire.NameList{}
	compressionNames.Add("none")

	languageNames := wire.NameList{}

	cookie := make([]byte, kexCookieLength)
	if _, err := rand.Read(cookie); err != nil {
		return nil, err
	}

	size := 1 + kexCookieLength +
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
	if err := buf.WriteBool(false); err != nil { // first_kex_packet_follows
		return nil, err
	}
	if err := buf.WriteUint32(0); err != nil { // reserved
		return nil, err
	}
	return buf.Bytes(), nil
}

// parsedKexinit is the six name-lists read out of a peer's KEXINIT
// payload, in wire order.
type parsedKexinit struct {
	kex, hostKey                   wire.NameList
	cipherC2S, cipherS2C           wire.NameList
	macC2S, macS2C                 wire.NameList
	compressionC2S, compressionS2C wire.NameList
	languageC2S, languageS2C       wire.NameList
}

func parseKexinit(payload []byte) (*parsedKexinit, error) {
	buf := wire.NewBuffer(payload)
	if _, err := buf.ReadByte(); err != nil { // msg id
		return nil, err
	}
	if err := buf.Seek(buf.Offset() + kexCookieLength); err != nil {
		return nil, err
	}
	p := &parsedKexinit{}
	fields := []*wire.NameList{
		&p.kex, &p.hostKey,
		&p.cipherC2S, &p.cipherS2C,
		&p.macC2S, &p.macS2C,
		&p.compressionC2S, &p.compressionS2C,
		&p.languageC2S, &p.languageS2C,
	}
	for _, f := range fields {
		nl, err := buf.ReadNameList()
		if err != nil {
			return nil, err
		}
		*f = nl
	}
	return p, nil
}

// ourLists is the client's six preference-ordered name-lists, built once
// per connection from Config.
type ourLists struct {
	kex, hostKey, cipherC2S, cipherS2C, macC2S, macS2C wire.NameList
}

func buildOurLists(cfg *Config) *ourLists {
	o := &ourLists{}
	o.kex.Add("diffie-hellman-group14-sha1")
	for _, n := range cfg.ExtraKexAlgorithms {
		o.kex.Add(n)
	}
	o.hostKey.Add("ssh-rsa")
	for _, n := range cipherengine.SupportedNames() {
		o.cipherC2S.Add(n)
		o.cipherS2C.Add(n)
	}
	for _, n := range cfg.ExtraCipherAlgorithms {
		o.cipherC2S.Add(n)
		o.cipherS2C.Add(n)
	}
	for _, n := range macengine.SupportedNames() {
		o.macC2S.Add(n)
		o.macS2C.Add(n)
	}
	return o
}

// negotiate runs RFC 4253 §7.1 independent negotiation across all six
// slots: client's list is ours (preference order), server's is theirs.
func negotiate(ours *ourLists, theirs *parsedKexinit) (*negotiatedAlgorithms, error) {
	result := &negotiatedAlgorithms{}
	var err error
	if result.kex, err = wire.Select(ours.kex, theirs.kex); err != nil {
		return nil, err
	}
	if result.hostKey, err = wire.Select(ours.hostKey, theirs.hostKey); err != nil {
		return nil, err
	}
	if result.cipherC2S, err = wire.Select(ours.cipherC2S, theirs.cipherC2S); err != nil {
		return nil, err
	}
	if result.cipherS2C, err = wire.Select(ours.cipherS2C, theirs.cipherS2C); err != nil {
		return nil, err
	}
	if result.macC2S, err = wire.Select(ours.macC2S, theirs.macC2S); err != nil {
		return nil, err
	}
	if result.macS2C, err = wire.Select(ours.macS2C, theirs.macS2C); err != nil {
		return nil, err
	}
	return result, nil
}

// newKexHandler constructs the negotiated Handler variant by name.
func newKexHandler(name string) (kex.Handler, error) {
	switch name {
	case "diffie-hellman-group14-sha1":
		return kex.NewDHGroup14SHA1()
	case "herradura-fscx":
		return kex.NewHerradura(), nil
	default:
		return nil, newProtoErr(KindNegotiationFailed, nil)
	}
}
