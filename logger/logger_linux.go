//go:build linux

// Package logger adapts the client core's leveled on_log callback onto
// UNIX syslog. The stdlib log/syslog is frozen and has no Windows
// implementation, so the Windows build of this package falls back to
// stderr with the same exported surface.
package logger

import (
	sl "log/syslog"

	"blitter.com/go/xssh/client"
)

var w *sl.Writer

// Init opens the syslog connection subsequent Emit calls write to,
// using the daemon facility for server processes and the user facility
// otherwise. Emit is a no-op until Init succeeds, so harnesses keep
// running when syslog is unavailable.
func Init(tag string, daemon bool) error {
	facility := sl.LOG_USER
	if daemon {
		facility = sl.LOG_DAEMON
	}
	var err error
	w, err = sl.New(facility|sl.LOG_NOTICE, tag)
	return err
}

// Close shuts the syslog connection down.
func Close() error {
	if w == nil {
		return nil
	}
	return w.Close()
}

// Emit writes line at the syslog severity matching level. Its signature
// matches client.Config.OnLog so it can be wired in directly.
func Emit(line string, level client.LogLevel) {
	if w == nil {
		return
	}
	switch level {
	case client.LogError:
		_ = w.Err(line)
	case client.LogWarn:
		_ = w.Warning(line)
	case client.LogInfo:
		_ = w.Info(line)
	default:
		_ = w.Debug(line)
	}
}
