package client

// Transport/auth/connection message ids (constants.h in the protocol
// this module implements; RFC 4253/4252 §§ assign the same values).
const (
	msgDisconnect      = 1
	msgIgnore          = 2
	msgUnimplemented   = 3
	msgDebug           = 4
	msgServiceRequest  = 5
	msgServiceAccept   = 6
	msgKexinit         = 20
	msgNewkeys         = 21
	msgKexdhInit       = 30
	msgKexdhReply      = 31
	msgUserauthRequest = 50
	msgUserauthFailure = 51
	msgUserauthSuccess = 52
	msgUserauthBanner  = 53

	msgUserauthPasswdChangereq = 60
	msgGlobalRequest           = 80
	msgRequestSuccess          = 81
	msgRequestFailure          = 82
)

// channel.go's own CHANNEL_* ids start at 90; ConnectionCore forwards
// anything >= that range straight to channel.Manager.Dispatch without
// needing its own copy of those constants.
const firstChannelMsgID = 90
