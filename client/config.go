package client

import (
	"context"
	"fmt"
)

// LogLevel thresholds the on_log sink (spec.md §6): the syslog severity
// scale collapsed to the handful of levels this module actually emits.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
)

// ByteSend is the caller-supplied transport write callback. It returns
// the number of bytes written, or ok=false to signal a transport-level
// error (the core disconnects). Returning n=0, ok=true means "try again
// later" (spec.md §6).
type ByteSend func(ctx context.Context, b []byte) (n int, ok bool)

// ByteRecv is the caller-supplied transport read callback. n=0, ok=true
// means "no bytes available right now"; ok=false signals a transport
// error.
type ByteRecv func(ctx context.Context, buf []byte) (n int, ok bool)

// AuthMethod names a user-authentication method this core implements,
// in the order the caller wants them attempted (spec.md §4.10.5).
type AuthMethod string

const (
	AuthNone     AuthMethod = "none"
	AuthPassword AuthMethod = "password"
)

// CredentialFunc supplies secret material for an auth method (spec.md
// §6 on_auth): for "password" it returns the password bytes to send.
// The core wipes the returned slice's backing array once the
// USERAUTH_REQUEST carrying it has been finalized.
type CredentialFunc func(ctx context.Context, method AuthMethod) ([]byte, error)

// ChannelEventKind mirrors the three user-facing channel events spec.md
// §6 defines for on_event (a narrower public view than channel.EventKind,
// which also carries internal bookkeeping kinds).
type ChannelEventKind int

const (
	ChannelOpened ChannelEventKind = iota
	ChannelData
	ChannelClosed
)

// OnEvent is the per-channel event callback (spec.md §6). bytes is only
// meaningful for ChannelData.
type OnEvent func(channelID uint32, kind ChannelEventKind, data []byte)

// HostKeyVerifier decides whether to trust a presented host key. The
// core calls it once per connection, after the signature over the
// exchange hash has already validated. This is the Open Question #1
// resolution (SPEC_FULL.md §4.1): client.New refuses to build a core
// with a nil verifier, so "accept everything" must be chosen
// explicitly via InsecureAcceptAnyHostKey.
type HostKeyVerifier func(hostname string, keyBlob []byte, fingerprint string) bool

// InsecureAcceptAnyHostKey is a HostKeyVerifier that accepts every host
// key without comparison against any trust store. INSECURE: only
// appropriate for throwaway test fixtures or a transport that already
// authenticates the peer by other means.
func InsecureAcceptAnyHostKey(string, []byte, string) bool { return true }

// Config gathers everything ConnectionCore needs from its caller
// (spec.md §6 Configuration table).
type Config struct {
	Hostname string // used only for HostKeyVerifier and identification logging

	Send ByteSend
	Recv ByteRecv

	OnAuth    CredentialFunc
	OnConnect func()
	OnEvent   OnEvent
	OnLog     func(line string, level LogLevel)

	AuthMethods []AuthMethod
	Username    string

	LogLevel LogLevel

	HostKeyVerifier HostKeyVerifier

	// ExtraCipherAlgorithms/ExtraMacAlgorithms/ExtraKexAlgorithms extend
	// the negotiated name-lists beyond the IETF-registered core/default
	// set, to exercise the additional cipherengine/macengine/kex
	// variants this module wires in for private deployments running
	// this module on both ends (SPEC_FULL.md §2 domain-stack table).
	// They are appended after the default names, so a real peer that
	// only knows the registered names still negotiates normally.
	ExtraCipherAlgorithms []string
	ExtraKexAlgorithms    []string

	// softwareVersion is embedded in the identification line
	// ("SSH-2.0-<softwareversion>"); defaults to "xssh_1.0".
	SoftwareVersion string
}

func (c *Config) softwareVersionOrDefault() string {
	if c.SoftwareVersion == "" {
		return "xssh_1.0"
	}
	return c.SoftwareVersion
}

func (c *Config) logf(level LogLevel, format string, args ...interface{}) {
	if c.OnLog == nil || level > c.LogLevel {
		return
	}
	c.OnLog(fmt.Sprintf(format, args...), level)
}
