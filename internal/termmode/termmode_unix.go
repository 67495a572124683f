//go:build !windows

// Package termmode puts a terminal into raw/no-echo mode for the demo
// CLI harnesses, generalizing the teacher's per-BSD ioctl calls
// (termmode_bsd.go) onto x/sys/unix's portable
// IoctlGetTermios/IoctlSetTermios, which also covers Linux.
package termmode

import (
	"io"

	"golang.org/x/sys/unix"
)

// State holds a terminal's saved termios so it can be restored.
type State struct {
	termios unix.Termios
}

// MakeRaw puts fd into raw mode and returns the previous state.
func MakeRaw(fd int) (*State, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, err
	}
	saved := *old

	raw := *old
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &raw); err != nil {
		return nil, err
	}
	return &State{termios: saved}, nil
}

// Restore restores fd to the state captured by MakeRaw/ReadPassword.
func Restore(fd int, state *State) error {
	if state == nil {
		return nil
	}
	return unix.IoctlSetTermios(fd, ioctlSetTermios, &state.termios)
}

// ReadPassword reads one line from fd with local echo disabled. The
// returned slice does not include the trailing newline.
func ReadPassword(fd int) ([]byte, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, err
	}
	noecho := *old
	noecho.Lflag &^= unix.ECHO
	noecho.Lflag |= unix.ICANON | unix.ISIG
	noecho.Iflag |= unix.ICRNL
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &noecho); err != nil {
		return nil, err
	}
	defer unix.IoctlSetTermios(fd, ioctlSetTermios, old)

	return readPasswordLine(fdReader(fd))
}

type fdReader int

func (r fdReader) Read(buf []byte) (int, error) {
	return unix.Read(int(r), buf)
}

// readPasswordLine reads until \n or EOF, dropping a trailing \r.
func readPasswordLine(r io.Reader) ([]byte, error) {
	var buf [1]byte
	var ret []byte
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			switch buf[0] {
			case '\n':
				return ret, nil
			case '\r':
			default:
				ret = append(ret, buf[0])
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(ret) > 0 {
				return ret, nil
			}
			return ret, err
		}
	}
}
