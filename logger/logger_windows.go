//go:build windows

// Windows has no syslog; lines go to stderr with a severity prefix so
// the exported surface matches the linux build.
package logger

import (
	"fmt"
	"os"

	"blitter.com/go/xssh/client"
)

var tagPrefix string

func Init(tag string, daemon bool) error {
	tagPrefix = tag
	return nil
}

func Close() error { return nil }

func Emit(line string, level client.LogLevel) {
	if tagPrefix == "" {
		return
	}
	var sev string
	switch level {
	case client.LogError:
		sev = "ERR"
	case client.LogWarn:
		sev = "WARN"
	case client.LogInfo:
		sev = "INFO"
	default:
		sev = "DEBUG"
	}
	fmt.Fprintf(os.Stderr, "%s[%s]: %s\n", tagPrefix, sev, line)
}
